package store

import (
	"context"
	"errors"
	"time"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

var (
	ErrRecordNotFound = errors.New("kernel record not found")
	ErrInvalidRecord  = errors.New("invalid kernel record")
)

// KernelRecord describes a running kernel well enough for another process to reconnect to it.
type KernelRecord struct {
	KernelId        string                  `json:"kernel_id"`
	KernelName      string                  `json:"kernel_name"`
	ProvisionerName string                  `json:"provisioner_name"`
	ConnectionInfo  *jupyter.ConnectionInfo `json:"connection_info"`
	ProvisionerInfo map[string]interface{}  `json:"provisioner_info,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
}

func (r *KernelRecord) validate() error {
	if r == nil || r.KernelId == "" {
		return ErrInvalidRecord
	}
	return nil
}

// KernelStore persists the records of running kernels.
type KernelStore interface {
	// Save creates or replaces the record of r.KernelId.
	Save(ctx context.Context, r *KernelRecord) error

	// Load returns the record of the given kernel, or ErrRecordNotFound.
	Load(ctx context.Context, kernelId string) (*KernelRecord, error)

	// Delete removes the record of the given kernel. Deleting an absent record is not an error.
	Delete(ctx context.Context, kernelId string) error

	// List returns every record, sorted by kernel ID.
	List(ctx context.Context) ([]*KernelRecord, error)

	Close() error
}
