// ABOUTME: Closed set of operations agents may forward to kernels.
// ABOUTME: Each variant has a typed argument payload validated before dispatch.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operations a kernel accepts. Anything else is rejected at the router
// boundary instead of being forwarded blindly.
const (
	OpExecute = "execute" // run a command
	OpRead    = "read"    // read a file
	OpStore   = "store"   // write a file
	OpInfer   = "infer"   // run a model prompt
)

var (
	// ErrUnsupportedOperation rejects an operation name outside the set.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrInvalidArgs rejects malformed or incomplete operation arguments.
	ErrInvalidArgs = errors.New("invalid operation args")
)

// Operations lists the accepted operation names.
func Operations() []string {
	return []string{OpExecute, OpRead, OpStore, OpInfer}
}

// ExecuteArgs runs a command on the kernel's machine.
type ExecuteArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// ReadArgs reads a file from the kernel's machine.
type ReadArgs struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// StoreArgs writes a file on the kernel's machine. Empty content truncates.
type StoreArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

// InferArgs runs a prompt against a model the kernel hosts.
type InferArgs struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ValidateCall checks an operation name and its argument payload against
// the closed set. It does not interpret the args beyond required fields;
// execution semantics belong to the kernel.
func ValidateCall(operation string, args json.RawMessage) error {
	switch operation {
	case OpExecute:
		var a ExecuteArgs
		if err := decodeArgs(operation, args, &a); err != nil {
			return err
		}
		if a.Command == "" {
			return fmt.Errorf("execute requires command: %w", ErrInvalidArgs)
		}
	case OpRead:
		var a ReadArgs
		if err := decodeArgs(operation, args, &a); err != nil {
			return err
		}
		if a.Path == "" {
			return fmt.Errorf("read requires path: %w", ErrInvalidArgs)
		}
	case OpStore:
		var a StoreArgs
		if err := decodeArgs(operation, args, &a); err != nil {
			return err
		}
		if a.Path == "" {
			return fmt.Errorf("store requires path: %w", ErrInvalidArgs)
		}
	case OpInfer:
		var a InferArgs
		if err := decodeArgs(operation, args, &a); err != nil {
			return err
		}
		if a.Prompt == "" {
			return fmt.Errorf("infer requires prompt: %w", ErrInvalidArgs)
		}
	default:
		return fmt.Errorf("operation %q: %w", operation, ErrUnsupportedOperation)
	}
	return nil
}

func decodeArgs(operation string, args json.RawMessage, into any) error {
	if len(args) == 0 {
		return fmt.Errorf("%s requires args: %w", operation, ErrInvalidArgs)
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("%s args: %w", operation, ErrInvalidArgs)
	}
	return nil
}
