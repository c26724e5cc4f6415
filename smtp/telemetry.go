package smtp

import "github.com/sirupsen/logrus"

// TelemetrySink is the external collaborator the session reports connection
// open/close, replies and handler faults to (spec.md §1, "telemetry
// sinks" is named as an external collaborator; only the interface the core
// exposes to it is specified here). Connections refused by a
// ConnectionFilter, such as the rate limiter, are not reported to it.
type TelemetrySink interface {
	// ConnectionOpened is called once a connection clears CIDR filtering.
	ConnectionOpened(meta *ConnMeta)
	// ConnectionClosed is called exactly once per connection, however it
	// ends.
	ConnectionClosed(meta *ConnMeta, reason string)
	// CommandProcessed is called for every reply written to the client,
	// including the banner and intermediate 334/354 replies; verb is the
	// most recently read command's verb.
	CommandProcessed(meta *ConnMeta, verb string, reply Reply)
	// HandlerFault is called when a handler double-responds to a stage or
	// fails to respond before the idle timeout (spec.md §7).
	HandlerFault(meta *ConnMeta, stage string, err error)
}

// NopSink discards everything. It is the zero-value default so a Config
// without an explicit Sink still works.
type NopSink struct{}

func (NopSink) ConnectionOpened(*ConnMeta)                       {}
func (NopSink) ConnectionClosed(*ConnMeta, string)                {}
func (NopSink) CommandProcessed(*ConnMeta, string, Reply)         {}
func (NopSink) HandlerFault(*ConnMeta, string, error)             {}

// LogrusSink is the sample TelemetrySink this repository ships, grounded on
// the teacher's declared (but, in the retrieved slice, unwired) logrus
// dependency. It logs one structured entry per event with the connection's
// remote address and ID as fields, same shape used throughout the pack
// (foxcpp/maddy, Notifuse/notifuse thread a structured logger into their
// SMTP session objects).
type LogrusSink struct {
	Logger *logrus.Logger
}

// NewLogrusSink returns a sink backed by logger, or logrus's standard
// logger if logger is nil.
func NewLogrusSink(logger *logrus.Logger) LogrusSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return LogrusSink{Logger: logger}
}

func (s LogrusSink) entry(meta *ConnMeta) *logrus.Entry {
	fields := logrus.Fields{"conn_id": meta.ID}
	if meta.RemoteAddr != nil {
		fields["remote_addr"] = meta.RemoteAddr.String()
	}
	return s.Logger.WithFields(fields)
}

func (s LogrusSink) ConnectionOpened(meta *ConnMeta) {
	s.entry(meta).Info("smtp: connection opened")
}

func (s LogrusSink) ConnectionClosed(meta *ConnMeta, reason string) {
	s.entry(meta).WithField("reason", reason).Info("smtp: connection closed")
}

func (s LogrusSink) CommandProcessed(meta *ConnMeta, verb string, reply Reply) {
	s.entry(meta).WithFields(logrus.Fields{
		"verb": verb,
		"code": reply.Code,
	}).Debug("smtp: command processed")
}

func (s LogrusSink) HandlerFault(meta *ConnMeta, stage string, err error) {
	s.entry(meta).WithFields(logrus.Fields{
		"stage": stage,
		"error": err,
	}).Warn("smtp: handler programming error")
}
