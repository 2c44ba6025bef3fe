// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"net/http"
	"net/rpc"
	"sync"
)

var handleHTTPOnce sync.Once

// RegisterName wraps rpc.RegisterName, which uses the default RPC server,
// and arranges for it to be served over HTTP.
func RegisterName(name string, rcvr interface{}) error {
	handleHTTPOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// StartStandaloneRPCServer starts the default RPC server on addr. Servers
// that also expose a status page call http.ListenAndServe themselves
// instead, since the RPC endpoints hang off the default mux.
func StartStandaloneRPCServer(addr string) {
	go http.ListenAndServe(addr, nil)
}
