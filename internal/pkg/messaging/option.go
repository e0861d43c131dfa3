package messaging

type consumeOptions struct {
	// concurrency specifies the number of concurrent message handlers
	// processing messages in parallel.
	concurrency int

	// autoAck indicates whether messages are acknowledged automatically
	// by the broker or client upon delivery.
	autoAck bool

	// queueGroup specifies the queue group name.
	// Commonly used for NATS queue subscriptions.
	queueGroup string

	// params contains broker-specific configuration options.
	params map[string]string
}

// ConsumeOption configures consumer behavior (concurrency, auto-ack, and broker-specific parameters).
type ConsumeOption func(*consumeOptions)

func newConsumeOptions(opts ...ConsumeOption) consumeOptions {
	var co consumeOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&co)
	}
	return co
}

// WithConcurrency sets how many handler goroutines process messages in parallel.
func WithConcurrency(n int) ConsumeOption {
	return func(o *consumeOptions) { o.concurrency = n }
}

// WithQueueGroup sets the queue group name (NATS).
func WithQueueGroup(queueGroup string) ConsumeOption {
	return func(o *consumeOptions) { o.queueGroup = queueGroup }
}

// WithAutoAck controls whether the wrapper should ack/nack automatically after the handler returns.
func WithAutoAck(autoAck bool) ConsumeOption {
	return func(o *consumeOptions) { o.autoAck = autoAck }
}

// WithParams sets broker-specific parameters in bulk.
func WithParams(params map[string]string) ConsumeOption {
	return func(o *consumeOptions) {
		if len(params) == 0 {
			return
		}
		if o.params == nil {
			o.params = make(map[string]string, len(params))
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}

// WithParam sets a single broker-specific parameter.
func WithParam(key, value string) ConsumeOption {
	return func(o *consumeOptions) {
		if key == "" {
			return
		}
		if o.params == nil {
			o.params = make(map[string]string, 1)
		}
		o.params[key] = value
	}
}
