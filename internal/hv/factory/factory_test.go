package factory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestOpenReportsBackend(t *testing.T) {
	assert.NotEmpty(t, Backend())

	h, err := Open()
	if err != nil {
		require.True(t, errors.Is(err, hv.ErrBackendUnavailable), "unexpected error: %v", err)
		t.Skipf("no hypervisor on this host: %v", err)
	}
	defer h.Close()

	assert.NotEqual(t, hv.ArchitectureInvalid, h.Architecture())
	assert.Positive(t, h.MaxCPUs())
}
