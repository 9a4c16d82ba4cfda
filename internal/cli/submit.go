package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/ctxutil"
	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
	"github.com/jcoletaylor/tasker-sub003/internal/signal"
)

// waitPollInterval paces the --wait loop between ticks. Most submissions
// settle inside the first tick; the loop only spins while steps sit in
// backoff windows.
const waitPollInterval = 250 * time.Millisecond

// submitFlags holds the submit command's flag values.
type submitFlags struct {
	namespace    string
	name         string
	version      string
	contextJSON  string
	contextFile  string
	initiator    string
	sourceSystem string
	reason       string
	tags         []string
	bypass       []string
	wait         bool
}

// AddSubmitCommand registers the submit command on the root command.
func AddSubmitCommand(rootCmd *cobra.Command, a *app) {
	flags := &submitFlags{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for execution",
		Long: `Submit a task: persist the task row, materialize its step graph from
the registered template, and schedule the first tick. Submissions with
identical identity fields deduplicate to the already-active task, so
retrying a submit is safe.

The context document is the immutable input every step handler receives.
Pass it inline with --context or from a JSON or YAML file with
--context-file.

The demo namespace ships with this binary. Its process_order workflow
validates an order, reserves inventory and charges payment in parallel,
then ships:

  tasker submit --context '{"order_id": "ord-1001"}'
  tasker submit --context '{"order_id": "ord-1002", "simulate_charge_failures": 2}' --wait
  tasker submit --context-file order.yaml --bypass ship_order --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runSubmit(cmd.Context(), cmd.OutOrStdout(), rt, flags)
		},
	}

	cmd.Flags().StringVar(&flags.namespace, "namespace", demoNamespace, "task namespace")
	cmd.Flags().StringVar(&flags.name, "name", demoOrderTask, "named task to run")
	cmd.Flags().StringVar(&flags.version, "version", "", "template version (default: the registered template's version)")
	cmd.Flags().StringVar(&flags.contextJSON, "context", "", "inline JSON context document")
	cmd.Flags().StringVar(&flags.contextFile, "context-file", "", "path to a JSON or YAML context document")
	cmd.Flags().StringVar(&flags.initiator, "initiator", "", "who or what asked for this task")
	cmd.Flags().StringVar(&flags.sourceSystem, "source-system", "", "system the request originates from")
	cmd.Flags().StringVar(&flags.reason, "reason", "", "free-form reason for the submission")
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "label for reporting (repeatable)")
	cmd.Flags().StringSliceVar(&flags.bypass, "bypass", nil, "skippable step to bypass (repeatable)")
	cmd.Flags().BoolVar(&flags.wait, "wait", false, "process the task inline and print the final execution context")
	cmd.MarkFlagsMutuallyExclusive("context", "context-file")

	rootCmd.AddCommand(cmd)
}

// runSubmit executes the submit command.
func runSubmit(ctx context.Context, w io.Writer, rt *runtime, flags *submitFlags) error {
	doc, err := loadContextDocument(flags.contextJSON, flags.contextFile)
	if err != nil {
		return err
	}

	task, err := rt.coord.SubmitTask(ctx, &domain.TaskRequest{
		Namespace:    flags.namespace,
		Name:         flags.name,
		Version:      flags.version,
		Context:      doc,
		Initiator:    flags.initiator,
		SourceSystem: flags.sourceSystem,
		Reason:       flags.reason,
		Tags:         flags.tags,
		BypassSteps:  flags.bypass,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "task %s submitted (%s/%s)\n", task.TaskID, flags.namespace, flags.name)

	if !flags.wait {
		if rt.redis != nil {
			fmt.Fprintln(w, "wake-up queued in redis; a running 'tasker work' worker will pick it up")
		} else {
			fmt.Fprintf(w, "run 'tasker process %s' or resubmit with --wait to execute it\n", task.TaskID)
		}
		return nil
	}

	handler := signal.NewHandler(ctx)
	defer handler.Stop()

	return waitForTask(handler.Context(), w, rt, task.TaskID)
}

// waitForTask ticks the task until it settles, printing the final
// execution context. Cancellation stops the wait; the task keeps whatever
// durable progress it made.
func waitForTask(ctx context.Context, w io.Writer, rt *runtime, taskID uuid.UUID) error {
	for {
		if err := ctxutil.Canceled(ctx); err != nil {
			fmt.Fprintf(w, "wait interrupted; run 'tasker status %s' to inspect progress\n", taskID)
			return err
		}

		if err := rt.coord.ProcessTask(ctx, taskID); err != nil {
			return err
		}

		ec, err := rt.store.TaskExecutionContext(ctx, taskID, time.Now().UTC())
		if err != nil {
			return err
		}

		switch {
		case ec.TaskState == constants.TaskStateComplete:
			writeExecutionSummary(w, ec)
			return nil
		case ec.TaskState == constants.TaskStateCancelled:
			writeExecutionSummary(w, ec)
			return nil
		case ec.TaskState == constants.TaskStateError,
			ec.ExecutionStatus == constants.ExecutionStatusBlockedByFailures:
			writeExecutionSummary(w, ec)
			return fmt.Errorf("task %s blocked: %d of %d steps failed permanently", taskID, ec.PermanentlyBlockedSteps, ec.TotalSteps)
		}

		delay := waitPollInterval
		if ec.EarliestRetryAt != nil {
			if until := time.Until(*ec.EarliestRetryAt); until > delay {
				delay = until
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// loadContextDocument resolves the context document from the inline flag
// or file. YAML files are converted to JSON; everything else must already
// be valid JSON. Returns nil when neither flag is set.
func loadContextDocument(contextJSON, contextFile string) (json.RawMessage, error) {
	switch {
	case contextJSON != "":
		doc := json.RawMessage(contextJSON)
		if !json.Valid(doc) {
			return nil, errors.Wrap(errors.ErrInvalidArgument, "--context must be a valid JSON document")
		}
		return doc, nil

	case contextFile != "":
		raw, err := os.ReadFile(contextFile)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidArgument, "read context file: %v", err)
		}

		if ext := strings.ToLower(filepath.Ext(contextFile)); ext == ".yaml" || ext == ".yml" {
			var doc any
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return nil, errors.Wrapf(errors.ErrInvalidArgument, "parse %s: %v", contextFile, err)
			}
			out, err := json.Marshal(doc)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrInvalidArgument, "convert %s to JSON: %v", contextFile, err)
			}
			return out, nil
		}

		if !json.Valid(raw) {
			return nil, errors.Wrapf(errors.ErrInvalidArgument, "%s is not a valid JSON document", contextFile)
		}
		return json.RawMessage(raw), nil

	default:
		return nil, nil
	}
}

// The demo namespace registered in every tasker process. It exists so the
// binary is exercisable end to end without writing a handler: validation
// fans out to inventory and payment, shipping joins both branches.
const (
	demoNamespace = "demo"
	demoOrderTask = "process_order"

	demoStepValidateOrder    = "validate_order"
	demoStepReserveInventory = "reserve_inventory"
	demoStepChargePayment    = "charge_payment"
	demoStepShipOrder        = "ship_order"
)

// demoOrderShippedTopic is the custom event the shipping step publishes.
const demoOrderShippedTopic = events.Topic("demo.order_shipped")

// demoOrder is the context document the demo workflow understands.
// SimulateChargeFailures fails the payment step retryably for that many
// attempts; SimulateCardDeclined fails it permanently.
type demoOrder struct {
	OrderID                string `json:"order_id"`
	AmountCents            int64  `json:"amount_cents"`
	SimulateChargeFailures int32  `json:"simulate_charge_failures"`
	SimulateCardDeclined   bool   `json:"simulate_card_declined"`
}

// demoOrderTemplate declares the demo step graph. The version is left
// empty so submissions that omit --version resolve to it.
func demoOrderTemplate() *domain.TemplateDefinition {
	return &domain.TemplateDefinition{
		Namespace:   demoNamespace,
		Name:        demoOrderTask,
		Description: "Demonstration order workflow: validate, then reserve inventory and charge payment in parallel, then ship.",
		Steps: []domain.StepTemplate{
			{
				Name:            demoStepValidateOrder,
				DependentSystem: "orders",
				Description:     "Check the order document for required fields.",
			},
			{
				Name:            demoStepReserveInventory,
				DependentSystem: "inventory",
				DependsOn:       []string{demoStepValidateOrder},
			},
			{
				Name:            demoStepChargePayment,
				DependentSystem: "payments",
				DependsOn:       []string{demoStepValidateOrder},
			},
			{
				Name:            demoStepShipOrder,
				DependentSystem: "shipping",
				DependsOn:       []string{demoStepReserveInventory, demoStepChargePayment},
				Skippable:       true,
			},
		},
	}
}

// registerDemoWorkflows binds the demo namespace's handlers and persists
// its template. Called from buildRuntime before the coordinator exists;
// the shipping handler resolves the coordinator through rt at execution
// time, by which point it is set.
func registerDemoWorkflows(ctx context.Context, rt *runtime) error {
	handler := registry.NewStepHandlerMap().
		On(demoStepValidateOrder, demoValidateOrder).
		On(demoStepReserveInventory, demoReserveInventory).
		On(demoStepChargePayment, demoChargePayment).
		On(demoStepShipOrder, demoShipOrder(rt)).
		ValidateWith(demoValidateOrderContext).
		DeclareEvent(demoOrderShippedTopic, "order left the warehouse; payload carries the tracking number")

	_, err := rt.reg.Register(ctx, demoOrderTemplate(), handler)
	return err
}

// demoValidateOrderContext rejects submissions without an order_id before
// anything is persisted.
func demoValidateOrderContext(_ context.Context, taskContext json.RawMessage) error {
	if len(taskContext) == 0 {
		return errors.New("a context document with an order_id is required")
	}
	var order demoOrder
	if err := json.Unmarshal(taskContext, &order); err != nil {
		return err
	}
	if order.OrderID == "" {
		return errors.New("order_id is required")
	}
	return nil
}

func demoValidateOrder(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
	var order demoOrder
	if err := json.Unmarshal(call.TaskContext, &order); err != nil {
		return nil, errors.NewPermanentFailure("order document is not valid JSON").WithCause(err)
	}

	return json.Marshal(map[string]any{
		"order_id":  order.OrderID,
		"validated": true,
	})
}

func demoReserveInventory(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
	var order demoOrder
	if err := json.Unmarshal(call.TaskContext, &order); err != nil {
		return nil, errors.NewPermanentFailure("order document is not valid JSON").WithCause(err)
	}

	return json.Marshal(map[string]any{
		"order_id":  order.OrderID,
		"reserved":  true,
		"warehouse": "primary",
	})
}

// demoChargePayment honors the simulate_* context keys so retry and
// permanent-failure paths are demonstrable from the command line.
func demoChargePayment(_ context.Context, call *registry.StepCall) (json.RawMessage, error) {
	var order demoOrder
	if err := json.Unmarshal(call.TaskContext, &order); err != nil {
		return nil, errors.NewPermanentFailure("order document is not valid JSON").WithCause(err)
	}

	if order.SimulateCardDeclined {
		return nil, errors.NewPermanentFailure("card declined")
	}
	if call.Attempt <= order.SimulateChargeFailures {
		return nil, errors.NewStepFailure(fmt.Sprintf("payment gateway timeout on attempt %d", call.Attempt))
	}

	return json.Marshal(map[string]any{
		"order_id":     order.OrderID,
		"charged":      true,
		"amount_cents": order.AmountCents,
		"attempts":     call.Attempt,
	})
}

// demoShipOrder joins both branches and publishes the custom shipped
// event. A failed publish does not fail the step; shipping already
// happened.
func demoShipOrder(rt *runtime) registry.StepHandlerFunc {
	return func(ctx context.Context, call *registry.StepCall) (json.RawMessage, error) {
		var order demoOrder
		if err := json.Unmarshal(call.TaskContext, &order); err != nil {
			return nil, errors.NewPermanentFailure("order document is not valid JSON").WithCause(err)
		}

		if _, ok := call.ParentResults[demoStepChargePayment]; !ok {
			return nil, errors.NewStepFailure("charge result missing from parent results")
		}

		tracking := "TRK-" + strings.ToUpper(call.TaskID.String()[:8])

		if rt.coord != nil {
			err := rt.coord.PublishEvent(ctx, demoOrderShippedTopic, call.TaskID, map[string]any{
				"order_id":        order.OrderID,
				"tracking_number": tracking,
			})
			if err != nil {
				rt.logger.Warn().
					Err(err).
					Str("task_id", call.TaskID.String()).
					Msg("failed to publish shipped event")
			}
		}

		return json.Marshal(map[string]any{
			"order_id":        order.OrderID,
			"shipped":         true,
			"tracking_number": tracking,
		})
	}
}
