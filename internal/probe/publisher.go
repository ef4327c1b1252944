package probe

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Publisher publishes alerts to a NATS subject as protobuf-encoded Structs.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("arpguard"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

func (p *Publisher) Name() string { return "nats" }

// Notify serializes the alert and publishes it to the configured subject.
func (p *Publisher) Notify(alert *model.Alert) error {
	data, err := EncodeAlert(alert)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	log.Println("NATS connection drained and closed.")
	return nil
}

// EncodeAlert converts an alert to the wire format.
func EncodeAlert(alert *model.Alert) ([]byte, error) {
	ts := timestamppb.New(alert.Timestamp)
	snapshot := make(map[string]interface{}, len(alert.Features))
	for k, v := range alert.Features {
		snapshot[k] = v
	}
	msg, err := structpb.NewStruct(map[string]interface{}{
		"id":               alert.ID,
		"timestamp":        map[string]interface{}{"seconds": float64(ts.GetSeconds()), "nanos": float64(ts.GetNanos())},
		"module":           string(alert.Module),
		"reason":           alert.Reason,
		"src_ip":           alert.SrcIP,
		"src_mac":          alert.SrcMAC,
		"severity":         alert.Severity,
		"feature_snapshot": snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build alert message: %w", err)
	}
	return proto.Marshal(msg)
}

// DecodeAlert is the inverse of EncodeAlert.
func DecodeAlert(data []byte) (*model.Alert, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	f := msg.GetFields()
	alert := &model.Alert{
		ID:       f["id"].GetStringValue(),
		Module:   model.Module(f["module"].GetStringValue()),
		Reason:   f["reason"].GetStringValue(),
		SrcIP:    f["src_ip"].GetStringValue(),
		SrcMAC:   f["src_mac"].GetStringValue(),
		Severity: f["severity"].GetNumberValue(),
	}
	if ts := f["timestamp"].GetStructValue(); ts != nil {
		pb := &timestamppb.Timestamp{
			Seconds: int64(ts.GetFields()["seconds"].GetNumberValue()),
			Nanos:   int32(ts.GetFields()["nanos"].GetNumberValue()),
		}
		if err := pb.CheckValid(); err != nil {
			return nil, fmt.Errorf("invalid alert timestamp: %w", err)
		}
		alert.Timestamp = pb.AsTime()
	}
	if snap := f["feature_snapshot"].GetStructValue(); snap != nil {
		alert.Features = make(map[string]float64, len(snap.GetFields()))
		for k, v := range snap.GetFields() {
			alert.Features[k] = v.GetNumberValue()
		}
	}
	return alert, nil
}
