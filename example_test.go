package flowstate_test

import (
	"context"
	"fmt"
	"log"

	"github.com/mkallio/flowstate"
)

// Example_machineBuilder demonstrates defining an order lifecycle with the
// high-level MachineBuilder API and driving it with an in-memory engine.
func Example_machineBuilder() {
	ctx := context.Background()

	eng := flowstate.NewInMemoryEngine()

	err := flowstate.NewMachine("order").
		Guard("canShip", func(ctx context.Context, tr *flowstate.Transition) (bool, error) {
			inventory, _ := tr.Context["inventory"].(int)
			return inventory > 0, nil
		}).
		State("pending").On("PAY", "paid").Done().
		State("paid").GuardedOn("SHIP", "shipped", "canShip").Done().
		State("shipped").Terminal().Done().
		Initial("pending").
		Register(eng)
	if err != nil {
		log.Fatal(err)
	}

	if err := eng.InitializeEntity(ctx, "order", "o-1", flowstate.Context{"inventory": 3}); err != nil {
		log.Fatal(err)
	}

	res, err := eng.Send(ctx, "order", "o-1", "PAY", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s -> %s\n", res.From, res.To)

	res, err = eng.Send(ctx, "order", "o-1", "SHIP", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s -> %s\n", res.From, res.To)

	// Output:
	// pending -> paid
	// paid -> shipped
}

// Example_runner demonstrates hosting trigger scheduling with a Runner so
// deadline and event triggers fire without manual Send calls.
func Example_runner() {
	ctx := context.Background()

	eng := flowstate.NewInMemoryEngine()

	err := flowstate.NewMachine("offer").
		State("open").
			On("ACCEPT", "accepted").
			OnDeadline("expiresAt", "expired", "").
		Done().
		State("accepted").Terminal().Done().
		State("expired").Terminal().Done().
		Initial("open").
		Register(eng)
	if err != nil {
		log.Fatal(err)
	}

	runner, err := flowstate.NewRunner(eng, flowstate.RunnerConfig{})
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	// Entities created with an expiresAt deadline in their context now
	// expire on their own once the deadline passes.
}
