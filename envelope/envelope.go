// Package envelope defines the request command document clients send to the
// gateway and the response envelope every reply is wrapped in.
//
// The numeric transport and command codes are a wire contract: clients switch
// on them, so they never change.
package envelope

import (
	"encoding/json"

	"procmesh/codec"
	"procmesh/message"
)

// Transport codes.
const (
	TransportOK                 = 1000
	TransportNoData             = 2001
	TransportMaxRetries         = 2002
	TransportConnectionLost     = 2004
	TransportDestinationUnknown = 2005
	TransportFunctionUnknown    = 2007
	TransportRateLimited        = 2008
)

// Command codes.
const (
	CommandExecuted        = 100
	CommandNotExecuted     = 200
	CommandFailed          = 201
	CommandFunctionUnknown = 203
)

// Entity and error type carried by every errData block the gateway builds.
const (
	Entity    = "Service core"
	ErrorType = "ERROR"
)

// Command is the body of a COM_REQUEST frame.
type Command struct {
	Destination string          `json:"destination"`
	KeepAlive   bool            `json:"keepAlive"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ParseCommand decodes raw into a Command. ok is false when raw carries no
// usable request at all.
func ParseCommand(raw json.RawMessage) (cmd Command, ok bool) {
	if message.Empty(raw) {
		return Command{}, false
	}
	if err := codec.Default.Decode(raw, &cmd); err != nil {
		return Command{}, false
	}
	return cmd, true
}

// FuncName returns data.funcName, or "" when absent.
func (c Command) FuncName() string {
	var call struct {
		FuncName string `json:"funcName"`
	}
	if len(c.Data) == 0 {
		return ""
	}
	if err := codec.Default.Decode(c.Data, &call); err != nil {
		return ""
	}
	return call.FuncName
}

// Code is one status line.
type Code struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Status struct {
	Transport Code `json:"transport"`
	Command   Code `json:"command"`
}

// ErrData describes why a request was not executed.
type ErrData struct {
	Entity       string `json:"entity"`
	Action       string `json:"action"`
	ErrorType    string `json:"errorType"`
	OriginalData any    `json:"originalData"`
}

type ResultBody struct {
	ResData any      `json:"resData,omitempty"`
	ErrData *ErrData `json:"errData,omitempty"`
}

// Response is the envelope of every reply.
type Response struct {
	Status     Status     `json:"status"`
	ResultBody ResultBody `json:"resultBody"`
}

// Failed reports whether the response carries an error block.
func (r *Response) Failed() bool {
	return r.ResultBody.ErrData != nil
}

func failure(transport, command Code, action string, original any) *Response {
	return &Response{
		Status: Status{Transport: transport, Command: command},
		ResultBody: ResultBody{ErrData: &ErrData{
			Entity:       Entity,
			Action:       action,
			ErrorType:    ErrorType,
			OriginalData: original,
		}},
	}
}

// Success wraps the result of an executed command.
func Success(data any) *Response {
	return &Response{
		Status: Status{
			Transport: Code{TransportOK, "Request received & destination verified"},
			Command:   Code{CommandExecuted, "Command executed"},
		},
		ResultBody: ResultBody{ResData: data},
	}
}

// NoDataReceived answers a request that carried nothing to route.
func NoDataReceived(original any) *Response {
	return failure(
		Code{TransportNoData, "No data recieved"},
		Code{CommandNotExecuted, "Command not executed, tansport failure  or no data recieved!"},
		"Request error handling", original)
}

// MaxRetriesExceeded answers a request whose destination never became ready.
func MaxRetriesExceeded(original any) *Response {
	return failure(
		Code{TransportMaxRetries, "Service connection initiation attempts, maximum reached"},
		Code{CommandNotExecuted, "Command not executed, tansport failure!"},
		"Service redirection", original)
}

// ConnectionLost answers a routed request whose worker connection dropped
// before it replied.
func ConnectionLost(original any) *Response {
	return failure(
		Code{TransportConnectionLost, "Service connection lost before a reply was received"},
		Code{CommandNotExecuted, "Command not executed, tansport failure!"},
		"Service redirection", original)
}

// DestinationUnknown answers a request for a service that was never defined.
func DestinationUnknown(original any) *Response {
	return failure(
		Code{TransportDestinationUnknown, "Request recieved but destination unknown!"},
		Code{CommandNotExecuted, "Command not executed, transport failure!"},
		"Service redirection", original)
}

// FunctionUnknown answers a request for an operation the destination does not
// have.
func FunctionUnknown(original any) *Response {
	return failure(
		Code{TransportFunctionUnknown, "Request received & destination verified but function unknown!"},
		Code{CommandFunctionUnknown, "Command not executed, function unknown!"},
		"Service redirection", original)
}

// RateLimited answers a request rejected by the gateway's rate limiter.
func RateLimited(original any) *Response {
	return failure(
		Code{TransportRateLimited, "Request rate limit exceeded"},
		Code{CommandNotExecuted, "Command not executed, rate limit exceeded!"},
		"Request error handling", original)
}

// CommandError answers a command that was routed and invoked but returned an
// error. action names where it failed.
func CommandError(action string, err error, original any) *Response {
	return failure(
		Code{TransportOK, "Request received & destination verified"},
		Code{CommandFailed, err.Error()},
		action, original)
}
