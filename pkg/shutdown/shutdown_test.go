package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOnce(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.OnShutdown("loops", func(context.Context) error { order = append(order, "loops"); return errors.New("slow") })
	m.OnShutdown("nil", nil)

	assert.Equal(t, 1, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"loops", "store"}, order)

	assert.Zero(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 2)
}
