package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextClone(t *testing.T) {
	var nilCtx Context
	assert.Nil(t, nilCtx.Clone())

	orig := Context{"a": 1, "b": "x"}
	clone := orig.Clone()
	clone["a"] = 2
	clone["c"] = true

	assert.Equal(t, 1, orig["a"])
	assert.NotContains(t, orig, "c")
}

func TestEntityTopic(t *testing.T) {
	assert.Equal(t, "flowstate.entity:order", EntityTopic("order"))
}

func TestChildEntityID(t *testing.T) {
	assert.Equal(t, "order-1/shipment", ChildEntityID("order-1", "shipment"))
	// Children can nest.
	assert.Equal(t, "order-1/shipment/leg-2", ChildEntityID(ChildEntityID("order-1", "shipment"), "leg-2"))
}
