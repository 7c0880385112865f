// Package server assembles one store node: it binds a transport, decodes
// inbound frames, dispatches them to the storage engine, coprocessor host
// and peer router, and maps engine results back into wire responses.
//
// Request handling is fully asynchronous. A handler decodes the request,
// issues exactly one call into the owning subsystem and returns; the
// response is written from that call's completion callback. Every request
// gets exactly one response, including issuance failures, which are
// answered with a region error where one applies and with a generic error
// response otherwise. Inbound raft messages are the exception: they are
// fire-and-forget and never answered.
package server
