package registry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/cschleiden/go-flows/backend/converter"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
)

type decodeFunc func(c converter.Converter, payload []byte) (core.Event, error)

// Registry maps flow type names to flow types and event names to event types.
type Registry struct {
	sync.Mutex

	flowMap  map[string]flow.Factory
	eventMap map[string]decodeFunc
}

// New creates a new registry instance. The built-in events are always registered.
func New() *Registry {
	r := &Registry{
		flowMap:  make(map[string]flow.Factory),
		eventMap: make(map[string]decodeFunc),
	}

	mustRegister(RegisterEvent[core.StartEvent](r))
	mustRegister(RegisterEvent[core.ResetEvent](r))
	mustRegister(RegisterEvent[core.KillEvent](r))
	mustRegister(RegisterEvent[core.TimerEvent](r))

	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// RegisterFlow registers a flow type and seals it.
func (r *Registry) RegisterFlow(f flow.Factory) error {
	name := f.Name()
	if name == "" {
		return &ErrInvalidFlow{"flow type name must not be empty"}
	}

	if strings.Contains(name, "/") {
		return &ErrInvalidFlow{fmt.Sprintf("flow type name %q must not contain '/'", name)}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.flowMap[name]; ok {
		return &ErrFlowAlreadyRegistered{fmt.Sprintf("flow type with name %q already registered", name)}
	}

	f.Seal()
	r.flowMap[name] = f

	return nil
}

func (r *Registry) GetFlow(name string) (flow.Factory, error) {
	r.Lock()
	defer r.Unlock()

	if f, ok := r.flowMap[name]; ok {
		return f, nil
	}

	return nil, &ErrFlowNotFound{fmt.Sprintf("flow type %q not found", name)}
}

// RegisterEvent registers the event type E under the name returned by its EventName method. E
// has to be a value type, handlers match both E and *E.
func RegisterEvent[E core.Event](r *Registry) error {
	if k := reflect.TypeFor[E]().Kind(); k == reflect.Pointer || k == reflect.Interface {
		return &ErrInvalidEvent{fmt.Sprintf("event type %v must be a value type", reflect.TypeFor[E]())}
	}

	var zero E
	name := zero.EventName()
	if name == "" {
		return &ErrInvalidEvent{"event name must not be empty"}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.eventMap[name]; ok {
		return &ErrEventAlreadyRegistered{fmt.Sprintf("event with name %q already registered", name)}
	}

	r.eventMap[name] = func(c converter.Converter, payload []byte) (core.Event, error) {
		var e E
		if len(payload) > 0 {
			if err := c.From(payload, &e); err != nil {
				return nil, fmt.Errorf("decoding event %q: %w", name, err)
			}
		}

		return e, nil
	}

	return nil
}

// DecodeEvent decodes the payload of a registered event.
func (r *Registry) DecodeEvent(c converter.Converter, name string, payload []byte) (core.Event, error) {
	r.Lock()
	decode, ok := r.eventMap[name]
	r.Unlock()

	if !ok {
		return nil, &ErrEventNotFound{fmt.Sprintf("event %q not found", name)}
	}

	return decode(c, payload)
}

// EncodeEvent returns the name and the encoded payload of an event.
func EncodeEvent(c converter.Converter, e core.Event) (string, []byte, error) {
	payload, err := c.To(e)
	if err != nil {
		return "", nil, fmt.Errorf("encoding event %q: %w", e.EventName(), err)
	}

	return e.EventName(), payload, nil
}
