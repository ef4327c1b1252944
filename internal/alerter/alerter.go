package alerter

import (
	"arpguard/internal/metrics"
	"arpguard/internal/model"
	"log"
	"sync"
	"sync/atomic"
)

// Alerter fans detection alerts out to every configured notifier. Delivery
// runs on its own goroutine so a slow sink never stalls the record writer.
type Alerter struct {
	notifiers []model.Notifier
	queue     chan *model.Alert
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(queueSize int, notifiers ...model.Notifier) *Alerter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Alerter{
		notifiers: notifiers,
		queue:     make(chan *model.Alert, queueSize),
		stopChan:  make(chan struct{}),
	}
}

// Publish queues an alert for delivery. It never blocks; when the queue is
// full the alert is dropped and counted.
func (a *Alerter) Publish(alert *model.Alert) {
	select {
	case <-a.stopChan:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.queue <- alert:
	default:
		n := a.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			log.Printf("Alert queue full, %d alerts dropped so far", n)
		}
	}
}

// Start launches the delivery loop.
func (a *Alerter) Start() {
	log.Printf("Alerter started with %d notifier(s)", len(a.notifiers))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case alert := <-a.queue:
				a.deliver(alert)
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop delivers what is still queued, then closes every notifier.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		log.Println("Stopping Alerter...")
		close(a.stopChan)
		a.wg.Wait()
		for drained := false; !drained; {
			select {
			case alert := <-a.queue:
				a.deliver(alert)
			default:
				drained = true
			}
		}
		for _, n := range a.notifiers {
			if err := n.Close(); err != nil {
				log.Printf("Failed to close notifier %s: %v", n.Name(), err)
			}
		}
	})
}

func (a *Alerter) deliver(alert *model.Alert) {
	for _, n := range a.notifiers {
		if err := n.Notify(alert); err != nil {
			a.failed.Add(1)
			metrics.NotifyErrors.WithLabelValues(n.Name()).Inc()
			log.Printf("ERROR: Failed to deliver alert %s via %s: %v", alert.ID, n.Name(), err)
			continue
		}
		a.delivered.Add(1)
	}
}

// Stats are the delivery counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

func (a *Alerter) Stats() Stats {
	return Stats{
		Delivered: a.delivered.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Queued:    len(a.queue),
	}
}
