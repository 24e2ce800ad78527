package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/rtstream/common"
	"github.com/apex/log"
)

// MetricField the record field stamped with the metric name
const MetricField = "metric"

// DecodeRecords decode a broker payload into its records
//
// The payload is a JSON array of objects, or a single object which is treated as a
// one record array. Array entries which are not objects are skipped. Numbers keep
// their original text.
func DecodeRecords(payload []byte) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if trimmed[0] == '{' {
		record := map[string]interface{}{}
		if err := decoder.Decode(&record); err != nil {
			return nil, err
		}
		return []map[string]interface{}{record}, nil
	}
	var entries []interface{}
	if err := decoder.Decode(&entries); err != nil {
		return nil, err
	}
	records := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		if record, ok := entry.(map[string]interface{}); ok {
			records = append(records, record)
		}
	}
	return records, nil
}

// Route delivers the records of one metric stream to one client
type Route struct {
	// Metric is the metric name stamped onto each record
	Metric string
	// Target is where the records are sent
	Target Sender
	// metrics optional collectors
	metrics *Metrics
	logTags log.Fields
}

// Deliver unpack a broker payload, stamp each record, and send them in order
func (r Route) Deliver(payload []byte) error {
	records, err := DecodeRecords(payload)
	if err != nil {
		log.WithError(err).WithFields(r.logTags).Errorf("Unable to decode %s payload", r.Metric)
		r.metrics.recordUndecodable(r.Metric)
		return err
	}
	var firstErr error
	for _, record := range records {
		record[MetricField] = r.Metric
		frame, err := json.Marshal(record)
		if err != nil {
			log.WithError(err).WithFields(r.logTags).Errorf("Unable to encode %s record", r.Metric)
			continue
		}
		if err := r.Target.Send(frame); err != nil {
			r.metrics.recordDropped(r.Metric)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.metrics.recordForwarded(r.Metric)
	}
	return firstErr
}

// MessageRouter holds the routes of one session, one per metric
type MessageRouter struct {
	common.Component
	target  Sender
	metrics *Metrics
	lock    sync.RWMutex
	routes  map[string]Route
}

// NewMessageRouter define a new router whose routes send to target
func NewMessageRouter(target Sender, metrics *Metrics, logTags log.Fields) *MessageRouter {
	return &MessageRouter{
		Component: common.Component{LogTags: logTags},
		target:    target,
		metrics:   metrics,
		routes:    map[string]Route{},
	}
}

// MakeCallback get the route for a metric, defining it if needed
func (r *MessageRouter) MakeCallback(metric string) Route {
	r.lock.Lock()
	defer r.lock.Unlock()
	if route, ok := r.routes[metric]; ok {
		return route
	}
	route := Route{
		Metric:  metric,
		Target:  r.target,
		metrics: r.metrics,
		logTags: r.ExtendLogTags(log.Fields{"metric": metric}),
	}
	r.routes[metric] = route
	return route
}

// SetRoute replace the route of a metric
func (r *MessageRouter) SetRoute(route Route) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if route.logTags == nil {
		route.logTags = r.ExtendLogTags(log.Fields{"metric": route.Metric})
	}
	r.routes[route.Metric] = route
}

// Routes a copy of the current routing table
func (r *MessageRouter) Routes() map[string]Route {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]Route, len(r.routes))
	for metric, route := range r.routes {
		result[metric] = route
	}
	return result
}

// deliveryTarget adapts a metric's current route to a broker.DeliveryTarget. It looks
// the route up on each delivery so replaced routes take effect.
type deliveryTarget struct {
	router *MessageRouter
	metric string
}

// Deliver implements broker.DeliveryTarget
func (t deliveryTarget) Deliver(payload []byte) error {
	t.router.lock.RLock()
	route, ok := t.router.routes[t.metric]
	t.router.lock.RUnlock()
	if !ok {
		return fmt.Errorf("no route for metric %s", t.metric)
	}
	return route.Deliver(payload)
}
