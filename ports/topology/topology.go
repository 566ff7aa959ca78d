// Package topology describes partitioned clusters and where their
// definitions are stored.
package topology

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound    = errors.New("cluster not found")
	ErrInvalidSpec = errors.New("invalid cluster spec")
)

// Config is the per-cluster tuning stored with the partition list.
type Config struct {
	ConnectTimeout     time.Duration `json:"connect_timeout,omitempty" mapstructure:"connect_timeout"`
	QueryTimeout       time.Duration `json:"query_timeout,omitempty" mapstructure:"query_timeout"`
	ConnectionLifetime time.Duration `json:"connection_lifetime,omitempty" mapstructure:"connection_lifetime"`
	DisableBinary      bool          `json:"disable_binary,omitempty" mapstructure:"disable_binary"`
	WrapPartitions     bool          `json:"wrap_partitions,omitempty" mapstructure:"wrap_partitions"`
}

// ClusterSpec is one named cluster: its partitions in order, each given as
// a connection string.
type ClusterSpec struct {
	Name       string   `json:"name" mapstructure:"name"`
	Partitions []string `json:"partitions" mapstructure:"partitions"`
	Config     Config   `json:"config" mapstructure:"config"`

	// Version is assigned by the store on every write.
	Version uint64 `json:"-" mapstructure:"-"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (s ClusterSpec) Validate() error {
	if !validName.MatchString(s.Name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidSpec, s.Name)
	}
	if len(s.Partitions) == 0 {
		return fmt.Errorf("%w: %s has no partitions", ErrInvalidSpec, s.Name)
	}
	for i, p := range s.Partitions {
		if p == "" {
			return fmt.Errorf("%w: %s partition %d is empty", ErrInvalidSpec, s.Name, i)
		}
	}
	return nil
}

// Store holds cluster specs by name.
type Store interface {
	Get(ctx context.Context, name string) (ClusterSpec, error)
	Put(ctx context.Context, spec ClusterSpec) (version uint64, err error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}
