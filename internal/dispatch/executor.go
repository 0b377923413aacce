package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"smsdispatch/internal/carrier"
	"smsdispatch/internal/message"
	"smsdispatch/internal/metrics"
	"smsdispatch/internal/ratelimit"
	"smsdispatch/internal/storage"
	"smsdispatch/internal/transport"
	"smsdispatch/pkg/logx"
)

// Executor performs one delivery attempt against one carrier and
// persists exactly one attempt record per call. Retries are not its
// business; the engine schedules those.
type Executor struct {
	limiters *ratelimit.Pool
	client   transport.Client
	store    storage.Store
	met      *metrics.Metrics
	log      logx.Logger

	now func() time.Time
}

func NewExecutor(limiters *ratelimit.Pool, client transport.Client, store storage.Store, met *metrics.Metrics, log logx.Logger) *Executor {
	return &Executor{
		limiters: limiters,
		client:   client,
		store:    store,
		met:      met,
		log:      log,
		now:      time.Now,
	}
}

// Attempt renders, throttles, signs, sends, and classifies. The rate
// limiter acquisition is the only point where the call suspends beyond
// the network itself.
func (e *Executor) Attempt(ctx context.Context, item storage.QueueItem, cfg carrier.Config) Outcome {
	body := message.Render(item.Template, item.RowData, item.DynamicLink)
	if body == "" {
		out := Outcome{Kind: ValidationError, Carrier: cfg.Name, Err: "mensaje vacío después de procesar variables"}
		e.record(ctx, item.ID, out)
		e.log.Error("empty message after templating",
			logx.String("item", item.ID),
			logx.String("number", item.Number),
		)
		return out
	}

	waitStart := e.now()
	if err := e.limiters.For(cfg.Name, cfg.MaxPerMinute).Acquire(ctx); err != nil {
		out := Outcome{Kind: UnexpectedError, Carrier: cfg.Name, Err: "rate limiter: " + err.Error()}
		e.record(ctx, item.ID, out)
		return out
	}
	e.met.ObserveThrottleWait(cfg.Name, e.now().Sub(waitStart).Seconds())

	sign, timestamp := cfg.Sign(e.now())
	query := url.Values{}
	query.Set("account", cfg.Account)
	query.Set("sign", sign)
	query.Set("datetime", timestamp)

	payload := map[string]string{
		"senderid": cfg.SenderID,
		"numbers":  message.NormalizeNumber(item.Number),
		"content":  body,
	}

	res, terr := e.client.Post(ctx, cfg.URL, query, payload, cfg.Timeout)
	out := e.classify(cfg.Name, res, terr)
	e.record(ctx, item.ID, out)

	if out.Success() {
		e.log.Info("sms sent",
			logx.String("carrier", cfg.Name),
			logx.String("item", item.ID),
			logx.String("number", item.Number),
			logx.Duration("latency", out.Latency),
		)
	} else {
		e.log.Warn("sms attempt failed",
			logx.String("carrier", cfg.Name),
			logx.String("item", item.ID),
			logx.String("number", item.Number),
			logx.String("outcome", out.Kind.String()),
			logx.String("err", out.Err),
		)
	}
	return out
}

func (e *Executor) classify(carrierName string, res *transport.Result, terr *transport.Error) Outcome {
	if terr != nil {
		kind := TransportError
		errText := terr.Error()
		if terr.Kind == transport.KindTimeout {
			kind = Timeout
			errText = "Timeout de conexión"
		}
		return Outcome{Kind: kind, Carrier: carrierName, Err: errText}
	}

	out := Outcome{Kind: Delivered, Carrier: carrierName, StatusCode: res.StatusCode, Latency: res.Latency}
	var parsed map[string]any
	if err := json.Unmarshal(res.Body, &parsed); err == nil {
		out.Response = parsed
	} else {
		out.RawBody = string(res.Body)
	}
	return out
}

// record persists the attempt. Storage failures don't change the
// outcome; they are logged loudly since they break the audit trail.
func (e *Executor) record(ctx context.Context, itemID string, out Outcome) {
	resp := out.RawBody
	if out.Response != nil {
		if b, err := json.Marshal(out.Response); err == nil {
			resp = string(b)
		}
	}

	err := e.store.RecordAttempt(ctx, storage.Attempt{
		ItemID:   itemID,
		Carrier:  out.Carrier,
		Success:  out.Success(),
		Response: resp,
		Error:    out.Err,
		Latency:  out.Latency,
		At:       e.now(),
	})
	if err != nil {
		e.log.Error("attempt record not persisted",
			logx.String("item", itemID),
			logx.String("carrier", out.Carrier),
			logx.Err(err),
		)
	}

	e.met.ObserveAttempt(out.Carrier, out.Kind.String(), out.Latency.Seconds())
}
