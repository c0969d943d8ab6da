package memory

import (
	"testing"

	"github.com/mqttadmin/mosquitto-auth/storage"
	"github.com/mqttadmin/mosquitto-auth/storage/storagetest"
	"github.com/stretchr/testify/assert"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_Closed(t *testing.T) {
	r := NewRepository()
	assert.NoError(t, r.Close())
	_, err := r.Append(t.Context(), storage.Entry{Action: "x"})
	assert.ErrorIs(t, err, storage.ErrClosed)
}
