/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package clusterharness

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// WorkersEnv overrides Settings.Workers, the way a test scheduler
// exports its worker count to every process it spawns.
const WorkersEnv = "CLUSTERHARNESS_WORKERS"

// Settings is the harness configuration.  Durations are expressed in
// seconds to keep the yaml plain.
type Settings struct {
	// ScratchDir holds lock files and the shared state files.  It must
	// be the same directory for every worker of a run.
	ScratchDir string `yaml:"scratchDir"`

	// Workers is the number of parallel worker processes.  With a
	// single worker the cross-process locking degrades to a no-op and
	// state is kept in memory.
	Workers int `yaml:"workers"`

	// WorkerID identifies this process among the workers.  Defaults to
	// worker-<pid>.
	WorkerID string `yaml:"workerID"`

	// Pools is the number of stake pools in the cluster.
	Pools int `yaml:"pools"`

	PollIntervalSeconds   int `yaml:"pollIntervalSeconds"`   // fixed poll tick for all waits
	AcquireTimeoutSeconds int `yaml:"acquireTimeoutSeconds"` // budget for resource acquisition
	ConfirmTimeoutSeconds int `yaml:"confirmTimeoutSeconds"` // budget for balance re-verification
	RatifyTimeoutSeconds  int `yaml:"ratifyTimeoutSeconds"`  // budget for delayed ratification

	// AddrDataFile is the pre-funded address/key store written during
	// cluster setup.
	AddrDataFile string `yaml:"addrDataFile"`

	// CommitteeMembers and DRepCount describe the governance entities
	// created by the bootstrap.
	CommitteeMembers []string `yaml:"committeeMembers"`
	DRepCount        int      `yaml:"drepCount"`

	// JournalDir, when set, enables the per-worker transaction journal
	// under <JournalDir>/<WorkerID>.
	JournalDir string `yaml:"journalDir"`
}

// DefaultSettings returns the devops-cluster defaults.  The worker
// count honors WorkersEnv when set.
func DefaultSettings() *Settings {
	workers := 1
	if v := os.Getenv(WorkersEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}

	return &Settings{
		ScratchDir:            filepath.Join(os.TempDir(), "clusterharness"),
		Workers:               workers,
		WorkerID:              "worker-" + strconv.Itoa(os.Getpid()),
		Pools:                 3,
		PollIntervalSeconds:   5,
		AcquireTimeoutSeconds: 180,
		ConfirmTimeoutSeconds: 180,
		RatifyTimeoutSeconds:  600,
		CommitteeMembers:      []string{"cc_member1", "cc_member2", "cc_member3"},
		DRepCount:             5,
	}
}

// LoadSettings reads a yaml settings file over the defaults.  An empty
// path returns the defaults unchanged.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read settings file %q", path)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.WithMessagef(err, "could not parse settings file %q", path)
	}

	if s.Workers < 1 {
		return nil, errors.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	if s.Pools < 1 {
		return nil, errors.Errorf("pools must be at least 1, got %d", s.Pools)
	}
	return s, nil
}

// MultiWorker reports whether cross-process coordination is required.
func (s *Settings) MultiWorker() bool {
	return s.Workers > 1
}

func (s *Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s *Settings) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutSeconds) * time.Second
}

func (s *Settings) ConfirmTimeout() time.Duration {
	return time.Duration(s.ConfirmTimeoutSeconds) * time.Second
}

func (s *Settings) RatifyTimeout() time.Duration {
	return time.Duration(s.RatifyTimeoutSeconds) * time.Second
}
