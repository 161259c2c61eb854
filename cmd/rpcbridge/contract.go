package main

import (
	"github.com/orchestra-mcp/rpc/src/bridge"
)

// Status is the coordinator's answer to the status event.
type Status struct {
	Clients int            `json:"clients" msgpack:"clients"`
	Workers int            `json:"workers" msgpack:"workers"`
	Groups  map[string]int `json:"groups" msgpack:"groups"`
	Uptime  string         `json:"uptime" msgpack:"uptime"`
}

// ProcessRequest is a unit of work forwarded to a worker.
type ProcessRequest struct {
	Text string `json:"text" msgpack:"text"`
}

// ProcessResult is a worker's answer.
type ProcessResult struct {
	Upper  string `json:"upper" msgpack:"upper"`
	Words  int    `json:"words" msgpack:"words"`
	Worker int    `json:"worker" msgpack:"worker"`
}

// coordinatorContract is spoken between the coordinator and its clients.
type coordinatorContract struct {
	*bridge.Contract
	greet   bridge.Def[string, string]
	status  bridge.Def[struct{}, Status]
	process bridge.Def[ProcessRequest, ProcessResult]
}

func newCoordinatorContract() coordinatorContract {
	c := bridge.NewContract()
	return coordinatorContract{
		Contract: c,
		greet:    bridge.SharedEvent[string, string](c, "greet"),
		status:   bridge.ServerEvent[struct{}, Status](c, "status", bridge.Unique()),
		process:  bridge.ServerEvent[ProcessRequest, ProcessResult](c, "process"),
	}
}

// workerContract is spoken between the coordinator and its workers. The
// coordinator is the server side.
type workerContract struct {
	*bridge.Contract
	process bridge.Def[ProcessRequest, ProcessResult]
}

func newWorkerContract() workerContract {
	c := bridge.NewContract()
	return workerContract{
		Contract: c,
		process:  bridge.ClientEvent[ProcessRequest, ProcessResult](c, "process", bridge.Serial()),
	}
}
