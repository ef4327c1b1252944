package model

// Notifier delivers alerts to an external consumer.
type Notifier interface {
	Name() string
	Notify(alert *Alert) error
	Close() error
}
