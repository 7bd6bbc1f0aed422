// Package linalg implements matrix commands over the numeric matrix encoding in
// package codec.
package linalg

import (
	"context"

	"svcbus/codec"
	"svcbus/command"
	"svcbus/message"
)

const ServiceType = "linalg"

func Commands() *command.Registry {
	return command.MustNewRegistry(map[string]command.Handler{
		"linalg-matmul": Matmul,
	})
}

// Matmul multiplies A by B. Arguments are [shapeA, dataA, shapeB, dataB]; the result
// is [shape, data].
func Matmul(_ context.Context, req *message.RPCCallRequest) ([][]byte, error) {
	if err := req.ExpectArgs(4); err != nil {
		return nil, err
	}
	a, err := codec.DecodeMatrix(req.Args[0], req.Args[1])
	if err != nil {
		return nil, message.Errorf(message.KindBadRequest, "matrix A: %v", err)
	}
	b, err := codec.DecodeMatrix(req.Args[2], req.Args[3])
	if err != nil {
		return nil, message.Errorf(message.KindBadRequest, "matrix B: %v", err)
	}

	product, err := codec.MatMul(a, b)
	if err != nil {
		return nil, err
	}
	shape, data, err := codec.EncodeMatrix(product)
	if err != nil {
		return nil, err
	}
	return [][]byte{shape, data}, nil
}
