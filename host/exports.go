package host

import (
	"github.com/qvcloud/mqbridge"
)

// Func is one exported operation as a script engine sees it. Arguments and
// results are plain host values: strings, bools, numbers and func(string).
//
// A non-nil error is always a *MarshalError: the arguments could not be
// converted and nothing ran. Failures of the operation itself are reported
// through the result (false, 0 or "") and getLastError.
type Func func(args ...any) (any, error)

// Exports returns the export table keyed by host function name.
func (m *Module) Exports() map[string]Func {
	return map[string]Func{
		"init":                 m.exportInit,
		"fini":                 m.exportFini,
		"createInstance":       m.exportCreateInstance,
		"run":                  m.handleOp("run", m.Run),
		"close":                m.handleOp("close", m.Close),
		"sendMessage":          m.exportSendMessage,
		"getLastError":         m.exportGetLastError,
		"getState":             m.exportGetState,
		"setBrokerUri":         m.stringOp("setBrokerUri", m.SetBrokerURI),
		"setUsername":          m.stringOp("setUsername", m.SetUsername),
		"setPassword":          m.stringOp("setPassword", m.SetPassword),
		"setDestinationName":   m.stringOp("setDestinationName", m.SetDestinationName),
		"setPipelineType":      m.intOp("setPipelineType", m.SetPipelineType),
		"setDeliveryMode":      m.intOp("setDeliveryMode", m.SetDeliveryMode),
		"setTransactedMode":    m.exportSetTransactedMode,
		"setOnMessageReceived": m.exportSetOnMessageReceived,
		"dispatch":             m.exportDispatch,
	}
}

func (m *Module) boolResult(op string, fn func() error) (any, error) {
	return m.Guard(op, fn) == nil, nil
}

func (m *Module) exportInit(args ...any) (any, error) {
	if err := arity("init", args, 0, 1); err != nil {
		return nil, err
	}
	path := ""
	if len(args) == 1 && args[0] != nil {
		s, err := toString("init", args, 0)
		if err != nil {
			return nil, err
		}
		path = s
	}
	return m.boolResult("init", func() error { return m.Init(path) })
}

func (m *Module) exportFini(args ...any) (any, error) {
	if err := arity("fini", args, 0, 0); err != nil {
		return nil, err
	}
	return m.boolResult("fini", m.Fini)
}

func (m *Module) exportCreateInstance(args ...any) (any, error) {
	if err := arity("createInstance", args, 1, 1); err != nil {
		return nil, err
	}
	t, err := toInt("createInstance", args, 0)
	if err != nil {
		return nil, err
	}
	var h mqbridge.Handle
	m.Guard("createInstance", func() error {
		var err error
		h, err = m.CreateInstance(t)
		return err
	})
	return int64(h), nil
}

func (m *Module) handleOp(name string, fn func(mqbridge.Handle) error) Func {
	return func(args ...any) (any, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		h, err := toHandle(name, args, 0)
		if err != nil {
			return nil, err
		}
		return m.boolResult(name, func() error { return fn(h) })
	}
}

func (m *Module) stringOp(name string, fn func(mqbridge.Handle, string) error) Func {
	return func(args ...any) (any, error) {
		if err := arity(name, args, 2, 2); err != nil {
			return nil, err
		}
		h, err := toHandle(name, args, 0)
		if err != nil {
			return nil, err
		}
		s, err := toString(name, args, 1)
		if err != nil {
			return nil, err
		}
		return m.boolResult(name, func() error { return fn(h, s) })
	}
}

func (m *Module) intOp(name string, fn func(mqbridge.Handle, int64) error) Func {
	return func(args ...any) (any, error) {
		if err := arity(name, args, 2, 2); err != nil {
			return nil, err
		}
		h, err := toHandle(name, args, 0)
		if err != nil {
			return nil, err
		}
		v, err := toInt(name, args, 1)
		if err != nil {
			return nil, err
		}
		return m.boolResult(name, func() error { return fn(h, v) })
	}
}

func (m *Module) exportSendMessage(args ...any) (any, error) {
	const name = "sendMessage"
	if err := arity(name, args, 3, 3); err != nil {
		return nil, err
	}
	h, err := toHandle(name, args, 0)
	if err != nil {
		return nil, err
	}
	body, err := toString(name, args, 1)
	if err != nil {
		return nil, err
	}
	priority, err := toInt(name, args, 2)
	if err != nil {
		return nil, err
	}
	return m.boolResult(name, func() error { return m.SendMessage(h, body, priority) })
}

func (m *Module) exportGetLastError(args ...any) (any, error) {
	if err := arity("getLastError", args, 1, 1); err != nil {
		return nil, err
	}
	h, err := toHandle("getLastError", args, 0)
	if err != nil {
		return nil, err
	}
	var msg string
	m.Guard("getLastError", func() error {
		msg = m.LastError(h)
		return nil
	})
	return msg, nil
}

func (m *Module) exportGetState(args ...any) (any, error) {
	if err := arity("getState", args, 1, 1); err != nil {
		return nil, err
	}
	h, err := toHandle("getState", args, 0)
	if err != nil {
		return nil, err
	}
	var state string
	m.Guard("getState", func() error {
		state = m.State(h)
		return nil
	})
	return state, nil
}

func (m *Module) exportSetTransactedMode(args ...any) (any, error) {
	const name = "setTransactedMode"
	if err := arity(name, args, 2, 2); err != nil {
		return nil, err
	}
	h, err := toHandle(name, args, 0)
	if err != nil {
		return nil, err
	}
	b, err := toBool(name, args, 1)
	if err != nil {
		return nil, err
	}
	return m.boolResult(name, func() error { return m.SetTransactedMode(h, b) })
}

func (m *Module) exportSetOnMessageReceived(args ...any) (any, error) {
	const name = "setOnMessageReceived"
	if err := arity(name, args, 2, 2); err != nil {
		return nil, err
	}
	h, err := toHandle(name, args, 0)
	if err != nil {
		return nil, err
	}
	fn, err := toHandler(name, args, 1)
	if err != nil {
		return nil, err
	}
	return m.boolResult(name, func() error { return m.SetOnMessageReceived(h, fn) })
}

func (m *Module) exportDispatch(args ...any) (any, error) {
	if err := arity("dispatch", args, 0, 1); err != nil {
		return nil, err
	}
	max := int64(0)
	if len(args) == 1 {
		v, err := toInt("dispatch", args, 0)
		if err != nil {
			return nil, err
		}
		max = v
	}
	var n int
	m.Guard("dispatch", func() error {
		var err error
		n, err = m.Dispatch(int(max))
		return err
	})
	return int64(n), nil
}
