package rpcserver

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/history"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/tasks"
)

// Error code guidelines:
//   - CodeInvalidArgument: missing or invalid request fields
//   - CodeNotFound: unknown process, task, plan, iteration, link, or session
//   - CodeFailedPrecondition: the provider is not installed or not logged in,
//     or no iteration is running
//   - CodeResourceExhausted: the provider reports a billing problem
//   - CodeUnavailable: the launcher could not stop a process
//   - CodeInternal: anything else

// invalidArg creates a CodeInvalidArgument error for a request field.
func invalidArg(field, msg string) *connect.Error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: %s", field, msg))
}

// classifyErr maps errors from the orchestration packages onto Connect codes.
// Provider errors carry their kind and auth instructions as metadata.
func classifyErr(operation string, err error) *connect.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return connect.NewError(connect.CodeCanceled, fmt.Errorf("%s was cancelled", operation))
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		code := connect.CodeFailedPrecondition
		switch perr.Kind {
		case provider.PaymentRequired:
			code = connect.CodeResourceExhausted
		case provider.Unknown:
			code = connect.CodeInternal
		}
		cerr := connect.NewError(code, fmt.Errorf("%s: %w", operation, err))
		cerr.Meta().Set("X-Trellico-Error-Kind", string(perr.Kind))
		if perr.AuthInstructions != "" {
			cerr.Meta().Set("X-Trellico-Auth-Instructions", perr.AuthInstructions)
		}
		return cerr
	}

	switch {
	case errors.Is(err, registry.ErrUnknownProcess),
		errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, iteration.ErrNotFound),
		errors.Is(err, durable.ErrIterationNotFound),
		errors.Is(err, durable.ErrLinkNotFound),
		errors.Is(err, plans.ErrNotFound),
		errors.Is(err, provider.ErrProviderNotFound):
		return connect.NewError(connect.CodeNotFound, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, registry.ErrEmptyPrompt),
		errors.Is(err, tasks.ErrInvalidName),
		errors.Is(err, plans.ErrInvalidName),
		errors.Is(err, durable.ErrInvalidLink),
		errors.Is(err, history.ErrInvalidSessionID):
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, iteration.ErrNotRunning),
		errors.Is(err, iteration.ErrNoSession):
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("%s: %w", operation, err))
	}
	return connect.NewError(connect.CodeInternal, fmt.Errorf("%s: %w", operation, err))
}
