package queue

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pyropy/s2s/core/model"
)

// Attributes read by the attribute prioritizer.
const (
	AttrPriority = "s2s.priority"
	AttrTTL      = "s2s.ttl"
)

var ErrUnknownPrioritizer = fmt.Errorf("%w: unknown prioritizer", model.ErrUsage)

// Prioritizer decides where a record goes in the queue. A lower priority is
// sent sooner. A ttl of zero or less means the record never expires.
type Prioritizer interface {
	Prioritize(rec model.Record) (priority int64, ttl time.Duration)
}

type PrioritizerFunc func(rec model.Record) (int64, time.Duration)

func (f PrioritizerFunc) Prioritize(rec model.Record) (int64, time.Duration) {
	return f(rec)
}

// FIFO gives every record the same priority, so records leave in arrival order.
var FIFO = PrioritizerFunc(func(model.Record) (int64, time.Duration) {
	return 0, 0
})

// Attribute takes the priority from the s2s.priority attribute and the ttl
// from s2s.ttl, which is either a duration such as "90s" or milliseconds.
// Missing or malformed values fall back to priority 0 and no expiry.
var Attribute = PrioritizerFunc(func(rec model.Record) (int64, time.Duration) {
	attrs := rec.Attributes()

	var priority int64
	if v, ok := attrs[AttrPriority]; ok {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Debugw("ignoring malformed priority", "value", v)
		} else {
			priority = p
		}
	}

	var ttl time.Duration
	if v, ok := attrs[AttrTTL]; ok {
		ttl = parseTTL(v)
	}

	return priority, ttl
})

// maxTTLMillis is the largest millisecond ttl a time.Duration can hold.
const maxTTLMillis = int64(math.MaxInt64 / time.Millisecond)

func parseTTL(v string) time.Duration {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms > maxTTLMillis || ms < -maxTTLMillis {
			log.Debugw("ignoring out of range ttl", "value", v)
			return 0
		}
		return time.Duration(ms) * time.Millisecond
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		log.Debugw("ignoring malformed ttl", "value", v)
		return 0
	}

	return d
}

var registry = struct {
	sync.RWMutex
	byName map[string]Prioritizer
}{
	byName: map[string]Prioritizer{
		"fifo":      FIFO,
		"attribute": Attribute,
	},
}

// RegisterPrioritizer makes p available under name. Registering a taken name
// replaces the previous prioritizer.
func RegisterPrioritizer(name string, p Prioritizer) {
	registry.Lock()
	defer registry.Unlock()

	registry.byName[name] = p
}

func LookupPrioritizer(name string) (Prioritizer, error) {
	registry.RLock()
	defer registry.RUnlock()

	p, ok := registry.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrioritizer, name)
	}

	return p, nil
}

// Prioritizers lists the registered names in order.
func Prioritizers() []string {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
