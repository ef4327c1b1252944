package notification

import (
	"arpguard/internal/model"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogNotifier writes each alert as one JSON line.
type LogNotifier struct {
	mu  sync.Mutex
	out *log.Logger
}

// NewLogNotifier creates a notifier writing to w, or to stdout if w is nil.
func NewLogNotifier(w io.Writer) model.Notifier {
	if w == nil {
		w = os.Stdout
	}
	return &LogNotifier{out: log.New(w, "ALERT ", log.LstdFlags|log.LUTC)}
}

func (n *LogNotifier) Name() string { return "log" }

// Notify writes the alert.
func (n *LogNotifier) Notify(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.out.Output(2, string(data))
}

func (n *LogNotifier) Close() error { return nil }
