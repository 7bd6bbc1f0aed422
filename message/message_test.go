package message

import (
	"testing"
)

func TestNewRPCCallRequest(t *testing.T) {
	frame := &CallFrame{
		ID:      "1",
		Target:  "svc:calc:a",
		Command: "calculate-sum",
		Args:    Bytes("3", "4"),
	}

	req := NewRPCCallRequest(frame)
	if req.CommandName != "calculate-sum" {
		t.Fatalf("expect command calculate-sum, got %s", req.CommandName)
	}
	if req.Arg(0) != "3" || req.Arg(1) != "4" {
		t.Fatalf("unexpected args: %q", req.Args)
	}
}

func TestExpectArgs(t *testing.T) {
	req := &RPCCallRequest{CommandName: "linalg-matmul", Args: Bytes("a", "b", "c")}

	err := req.ExpectArgs(4)
	if err == nil {
		t.Fatal("expect error for wrong argument count")
	}
	er, ok := err.(*ErrorResult)
	if !ok {
		t.Fatalf("expect *ErrorResult, got %T", err)
	}
	if er.Kind != KindBadRequest {
		t.Fatalf("expect kind %s, got %s", KindBadRequest, er.Kind)
	}
	if er.Message != "argument count must be 4 but for linalg-matmul 3 found" {
		t.Fatalf("unexpected message: %s", er.Message)
	}

	if err := req.ExpectArgs(3); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse("42", Errorf(KindNotFound, "unknown command %q", "nope"))
	if !resp.IsError {
		t.Fatal("expect IsError")
	}
	if resp.ID != "42" {
		t.Fatalf("expect id 42, got %s", resp.ID)
	}

	er := resp.Err()
	if er == nil || er.Kind != KindNotFound || er.Message != `unknown command "nope"` {
		t.Fatalf("unexpected error result: %+v", er)
	}
	if er.Error() != `not_found: unknown command "nope"` {
		t.Fatalf("unexpected error string: %s", er.Error())
	}
}

func TestSuccessResponse(t *testing.T) {
	resp := SuccessResponse("7", Bytes("go", "7"))
	if resp.Err() != nil {
		t.Fatal("success response must not carry an error")
	}
	got := resp.Strings()
	if len(got) != 2 || got[0] != "go" || got[1] != "7" {
		t.Fatalf("unexpected payload: %v", got)
	}
}
