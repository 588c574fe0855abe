package logsvc

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
)

func TestRollbarLogger_prepare(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRollbarLogger(log.New(&buf, "", 0), new(core.Config))
	logger.Enable(false)

	boom := errors.New("boom")
	actor := staging.Actor{ID: "p1", Name: "Prof", Email: "prof@test.test"}
	tests := []struct {
		name string
		args []interface{}
		want []interface{}
	}{
		{name: "message only", want: []interface{}{"msg"}},
		{name: "error and extras", args: []interface{}{boom, map[string]interface{}{"k": 1}}, want: []interface{}{"msg", boom, map[string]interface{}{"k": 1}}},
		{name: "actor is not forwarded", args: []interface{}{actor, boom, actor}, want: []interface{}{"msg", boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.prepare("msg", tt.args))
		})
	}

	logger.Warn("careful", boom)
	assert.Equal(t, "careful\nboom\n", buf.String())
}
