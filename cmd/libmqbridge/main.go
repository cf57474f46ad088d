// Command libmqbridge builds the C shared library:
//
//	go build -buildmode=c-shared -o libmqbridge.so ./cmd/libmqbridge
//
// Functions returning int answer 1 on success and 0 on failure; the reason
// is available from mq_get_last_error. Message callbacks only run inside
// mq_dispatch, on the thread that calls it.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef void (*mq_message_cb)(uint32_t handle, const char *body, void *user_data);
*/
import "C"

import (
	"unsafe"

	"github.com/qvcloud/mqbridge"
	"github.com/qvcloud/mqbridge/host"
)

var module = host.New()

func status(err error) C.int {
	if err != nil {
		return 0
	}
	return 1
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

//export mq_init
func mq_init(path *C.char) C.int {
	p := goString(path)
	return status(module.Guard("init", func() error { return module.Init(p) }))
}

//export mq_fini
func mq_fini() C.int {
	return status(module.Guard("fini", module.Fini))
}

//export mq_create_instance
func mq_create_instance(connType C.int) C.uint32_t {
	var h mqbridge.Handle
	module.Guard("createInstance", func() error {
		var err error
		h, err = module.CreateInstance(int64(connType))
		return err
	})
	return C.uint32_t(h)
}

//export mq_run
func mq_run(h C.uint32_t) C.int {
	return status(module.Guard("run", func() error { return module.Run(mqbridge.Handle(h)) }))
}

//export mq_send_message
func mq_send_message(h C.uint32_t, body *C.char, priority C.int) C.int {
	b := goString(body)
	return status(module.Guard("sendMessage", func() error {
		return module.SendMessage(mqbridge.Handle(h), b, int64(priority))
	}))
}

//export mq_close
func mq_close(h C.uint32_t) C.int {
	return status(module.Guard("close", func() error { return module.Close(mqbridge.Handle(h)) }))
}

// mq_get_last_error returns a copy the caller releases with mq_free.
//
//export mq_get_last_error
func mq_get_last_error(h C.uint32_t) *C.char {
	var msg string
	module.Guard("getLastError", func() error {
		msg = module.LastError(mqbridge.Handle(h))
		return nil
	})
	return C.CString(msg)
}

// mq_get_state returns a copy the caller releases with mq_free.
//
//export mq_get_state
func mq_get_state(h C.uint32_t) *C.char {
	var state string
	module.Guard("getState", func() error {
		state = module.State(mqbridge.Handle(h))
		return nil
	})
	return C.CString(state)
}

//export mq_free
func mq_free(p *C.char) {
	C.free(unsafe.Pointer(p))
}

func setString(op string, h C.uint32_t, v *C.char, fn func(mqbridge.Handle, string) error) C.int {
	s := goString(v)
	return status(module.Guard(op, func() error { return fn(mqbridge.Handle(h), s) }))
}

//export mq_set_broker_uri
func mq_set_broker_uri(h C.uint32_t, uri *C.char) C.int {
	return setString("setBrokerUri", h, uri, module.SetBrokerURI)
}

//export mq_set_username
func mq_set_username(h C.uint32_t, name *C.char) C.int {
	return setString("setUsername", h, name, module.SetUsername)
}

//export mq_set_password
func mq_set_password(h C.uint32_t, password *C.char) C.int {
	return setString("setPassword", h, password, module.SetPassword)
}

//export mq_set_destination_name
func mq_set_destination_name(h C.uint32_t, name *C.char) C.int {
	return setString("setDestinationName", h, name, module.SetDestinationName)
}

//export mq_set_pipeline_type
func mq_set_pipeline_type(h C.uint32_t, v C.int) C.int {
	return status(module.Guard("setPipelineType", func() error {
		return module.SetPipelineType(mqbridge.Handle(h), int64(v))
	}))
}

//export mq_set_delivery_mode
func mq_set_delivery_mode(h C.uint32_t, v C.int) C.int {
	return status(module.Guard("setDeliveryMode", func() error {
		return module.SetDeliveryMode(mqbridge.Handle(h), int64(v))
	}))
}

//export mq_set_transacted_mode
func mq_set_transacted_mode(h C.uint32_t, v C.int) C.int {
	return status(module.Guard("setTransactedMode", func() error {
		return module.SetTransactedMode(mqbridge.Handle(h), v != 0)
	}))
}

// mq_set_on_message_received registers cb for h. user_data is handed back
// unchanged on every call. A NULL cb unregisters.
//
//export mq_set_on_message_received
func mq_set_on_message_received(h C.uint32_t, cb C.mq_message_cb, userData unsafe.Pointer) C.int {
	handle := mqbridge.Handle(h)
	return status(module.Guard("setOnMessageReceived", func() error {
		return module.SetOnMessageReceived(handle, messageCallback(handle, cb, userData))
	}))
}

// mq_dispatch runs up to max pending callbacks, all of them when max <= 0,
// and returns how many ran.
//
//export mq_dispatch
func mq_dispatch(max C.int) C.int {
	var n int
	module.Guard("dispatch", func() error {
		var err error
		n, err = module.Dispatch(int(max))
		return err
	})
	return C.int(n)
}

//export mq_pending
func mq_pending() C.int {
	return C.int(module.Pending())
}

func main() {}
