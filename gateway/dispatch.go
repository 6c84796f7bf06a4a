package gateway

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"procmesh/envelope"
	"procmesh/errors"
	"procmesh/listener"
	"procmesh/loadbalance"
	"procmesh/message"
	"procmesh/metric"
)

// retryInterval separates two readiness checks of a destination.
const retryInterval = 10 * time.Millisecond

// original is what error envelopes echo back as originalData.
func original(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// reply sends resp and closes the client connection unless keepAlive.
func (g *Gateway) reply(msg *listener.Message, resp any, keepAlive bool) {
	if err := msg.Reply(resp); err != nil {
		g.logger.Debug("reply not delivered", zap.String("id", msg.ID), zap.Error(err))
	}
	if !keepAlive {
		if c := msg.Conn(); c != nil {
			c.Close()
		}
	}
}

// replyError sends an error envelope and always closes the connection.
func (g *Gateway) replyError(msg *listener.Message, resp *envelope.Response) {
	g.reply(msg, resp, false)
}

// dispatch classifies one COM_REQUEST.
func (g *Gateway) dispatch(msg *listener.Message, data any) {
	conID := g.conID.Add(1)
	logger := g.logger.With(zap.Uint64("conId", conID))

	cmd, ok := envelope.ParseCommand(msg.Data)
	if !ok {
		logger.Warn("no data received")
		g.metrics.Request(metric.OutcomeNoData)
		g.replyError(msg, envelope.NoDataReceived(original(msg.Data)))
		return
	}
	logger = logger.With(zap.String("destination", cmd.Destination))

	switch {
	case cmd.Destination == g.name:
		g.runCore(msg, cmd, logger)
	case g.reg.Has(cmd.Destination):
		g.checkConnection(msg, cmd, 0, logger)
	default:
		logger.Warn("destination unknown")
		g.metrics.Request(metric.OutcomeUnknownDestination)
		g.replyError(msg, envelope.DestinationUnknown(original(msg.Data)))
	}
}

// runCore invokes a core operation on its own goroutine.
func (g *Gateway) runCore(msg *listener.Message, cmd envelope.Command, logger *zap.Logger) {
	name := cmd.FuncName()
	op, ok := g.operation(name)
	if !ok {
		logger.Warn("core function unknown", zap.String("funcName", name))
		g.metrics.Request(metric.OutcomeUnknownFunction)
		g.replyError(msg, envelope.FunctionUnknown(original(msg.Data)))
		return
	}

	req := &Request{Name: name, Command: cmd, Conn: msg.Conn()}
	go func() {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("core operation panicked", zap.String("funcName", name), zap.Any("panic", v))
				g.metrics.Request(metric.OutcomeCommandFailed)
				g.replyError(msg, envelope.CommandError("Core operation", errors.New("core operation panicked"), original(msg.Data)))
			}
		}()
		res, err := op(g.ctx, req)
		if err != nil {
			logger.Warn("core operation failed", zap.String("funcName", name), zap.Error(err))
			g.metrics.Request(metric.OutcomeCommandFailed)
			g.reply(msg, envelope.CommandError("Core operation", err, original(msg.Data)), cmd.KeepAlive)
			return
		}
		g.metrics.Request(metric.OutcomeCore)
		g.reply(msg, envelope.Success(res), cmd.KeepAlive)
	}()
}

// checkConnection routes cmd once its destination has a ready instance,
// checking again every retryInterval. After MsConnectionRetryLimit retries
// the client gets maxRetriesExceeded and its connection is closed.
func (g *Gateway) checkConnection(msg *listener.Message, cmd envelope.Command, attempts int, logger *zap.Logger) {
	if g.closed.Load() {
		return
	}
	if g.reg.Ready(cmd.Destination) && g.route(msg, cmd, logger) {
		return
	}
	if attempts >= g.settings.MsConnectionRetryLimit {
		logger.Warn("service connection attempts exhausted", zap.Int("attempts", attempts))
		g.metrics.Request(metric.OutcomeMaxRetries)
		g.replyError(msg, envelope.MaxRetriesExceeded(original(msg.Data)))
		return
	}
	g.metrics.Retry()
	time.AfterFunc(retryInterval, func() {
		g.checkConnection(msg, cmd, attempts+1, logger)
	})
}

// route forwards the request to one instance and relays its reply. It
// reports false when no instance could be acquired.
func (g *Gateway) route(msg *listener.Message, cmd envelope.Command, logger *zap.Logger) bool {
	desc, ok := g.reg.Descriptor(cmd.Destination)
	if !ok {
		return false
	}
	bal := loadbalance.ForService(desc, logger)
	sock, port, err := g.reg.Acquire(desc.Name, bal.Pick)
	if err != nil {
		logger.Debug("no instance acquired", zap.String("strategy", bal.Name()), zap.Error(err))
		return false
	}
	logger = logger.With(zap.Int("port", port), zap.String("strategy", bal.Name()))
	logger.Debug("routing request")

	g.metrics.RequestStarted(desc.Name)
	go func() {
		defer g.metrics.RequestFinished(desc.Name)
		res, err := sock.Request(g.ctx, message.SubjectServiceRequest, msg.Data)
		g.reg.ReleaseConnection(desc.Name, port)
		if err != nil {
			logger.Warn("service connection lost", zap.Error(err))
			g.metrics.Request(metric.OutcomeConnectionLost)
			g.replyError(msg, envelope.ConnectionLost(original(msg.Data)))
			return
		}
		g.metrics.Request(metric.OutcomeRouted)
		g.reply(msg, res, cmd.KeepAlive)
	}()
	return true
}
