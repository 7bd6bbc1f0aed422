// Package calc implements the calculator commands: integer sum and difference of
// two decimal arguments.
package calc

import (
	"context"
	"strconv"

	"svcbus/command"
	"svcbus/message"
)

const ServiceType = "calc"

// Language is sent as the first result element so callers can tell which
// implementation answered.
const Language = "go"

// LegacySubtract is the misspelled subtract command older orchestrators still send.
const LegacySubtract = "calculate-substract"

func Commands() *command.Registry {
	return command.MustNewRegistry(map[string]command.Handler{
		"calculate-sum":      Sum,
		"calculate-subtract": Subtract,
		LegacySubtract:       Subtract,
	})
}

// Sum returns [Language, a+b].
func Sum(_ context.Context, req *message.RPCCallRequest) ([][]byte, error) {
	a, b, err := operands(req)
	if err != nil {
		return nil, err
	}
	return message.Bytes(Language, strconv.Itoa(a+b)), nil
}

// Subtract returns [Language, a-b].
func Subtract(_ context.Context, req *message.RPCCallRequest) ([][]byte, error) {
	a, b, err := operands(req)
	if err != nil {
		return nil, err
	}
	return message.Bytes(Language, strconv.Itoa(a-b)), nil
}

func operands(req *message.RPCCallRequest) (int, int, error) {
	if err := req.ExpectArgs(2); err != nil {
		return 0, 0, err
	}
	a, err := strconv.Atoi(req.Arg(0))
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.Atoi(req.Arg(1))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
