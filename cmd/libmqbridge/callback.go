package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef void (*mq_message_cb)(uint32_t handle, const char *body, void *user_data);

static inline void mq_call_message_cb(mq_message_cb cb, uint32_t handle, const char *body, void *user_data) {
	cb(handle, body, user_data);
}
*/
import "C"

import (
	"unsafe"

	"github.com/qvcloud/mqbridge"
)

// messageCallback adapts a C function pointer to a MessageHandler. The body
// passed to cb is only valid for the duration of the call.
func messageCallback(h mqbridge.Handle, cb C.mq_message_cb, userData unsafe.Pointer) mqbridge.MessageHandler {
	if cb == nil {
		return nil
	}
	return func(body string) {
		cbody := C.CString(body)
		defer C.free(unsafe.Pointer(cbody))
		C.mq_call_message_cb(cb, C.uint32_t(h), cbody, userData)
	}
}
