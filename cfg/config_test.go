package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}

	Config.Workload.Enabled = true
	if err := Validate(); err != nil {
		t.Errorf("Expected default workload to validate, got: %v", err)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = Default()
		Config.Admin.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	// Port is ignored when the admin server is off
	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_LockSection(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Lock.WaitTimeoutMS = -1
	if err := Validate(); err == nil {
		t.Error("Expected error for negative wait timeout")
	}

	Config = Default()
	Config.Lock.RootName = ""
	if err := Validate(); err == nil {
		t.Error("Expected error for empty root name")
	}

	Config = Default()
	Config.Lock.RootName = "database/T1"
	if err := Validate(); err == nil {
		t.Error("Expected error for root name containing a slash")
	}

	Config = Default()
	Config.Lock.WaitTimeoutMS = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected unbounded wait to validate, got: %v", err)
	}
	if LockWaitTimeout() != 0 {
		t.Errorf("Expected zero wait timeout, got %v", LockWaitTimeout())
	}
}

func TestValidate_Workload(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, ratio := range []float64{-0.1, 1.5} {
		Config = Default()
		Config.Workload.WriteRatio = ratio
		if err := Validate(); err == nil {
			t.Errorf("Expected error for write ratio %v", ratio)
		}
	}

	Config = Default()
	Config.Workload.Enabled = true
	Config.Workload.Workers = 0
	err := Validate()
	if err == nil || !strings.Contains(err.Error(), "workers") {
		t.Errorf("Expected workers error, got: %v", err)
	}

	Config = Default()
	Config.Workload.Enabled = true
	Config.Lock.WaitTimeoutMS = 0
	err = Validate()
	if err == nil || !strings.Contains(err.Error(), "wait_timeout_ms") {
		t.Errorf("Expected wait timeout error, got: %v", err)
	}

	// Sizes are only checked when the workload runs
	Config.Workload.Workers = 0
	Config.Workload.Enabled = false
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with workload disabled, got: %v", err)
	}
}

func TestValidate_LoggingFormat(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Logging.Format = "xml"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown logging format")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.NodeID = 7

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}
	if Config.Admin.Port != 8090 {
		t.Errorf("Expected default admin port, got %d", Config.Admin.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
node_id = 3

[admin]
port = 9191

[lock]
wait_timeout_ms = 250
root_name = "catalog"

[workload]
enabled = true
workers = 2
write_ratio = 0.5
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 3 {
		t.Errorf("Expected node ID 3, got %d", Config.NodeID)
	}
	if Config.Admin.Port != 9191 {
		t.Errorf("Expected admin port 9191, got %d", Config.Admin.Port)
	}
	if Config.Lock.RootName != "catalog" {
		t.Errorf("Expected root name catalog, got %s", Config.Lock.RootName)
	}
	if LockWaitTimeout() != 250*time.Millisecond {
		t.Errorf("Expected 250ms wait timeout, got %v", LockWaitTimeout())
	}
	if !Config.Workload.Enabled || Config.Workload.Workers != 2 || Config.Workload.WriteRatio != 0.5 {
		t.Errorf("Unexpected workload section: %+v", Config.Workload)
	}
	// Untouched keys keep their defaults
	if Config.Workload.Tables != 4 {
		t.Errorf("Expected default tables, got %d", Config.Workload.Tables)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[admin\nport ="), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err == nil {
		t.Error("Expected decode error for malformed file")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	*NodeIDFlag = 12345
	*AdminPortFlag = 9999
	*WorkloadFlag = true

	defer func() {
		*NodeIDFlag = 0
		*AdminPortFlag = 0
		*WorkloadFlag = false
	}()

	Config = Default()
	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
	if !Config.Workload.Enabled {
		t.Error("Expected workload flag to enable workload")
	}
	if AdminAddress() != "0.0.0.0:9999" {
		t.Errorf("Unexpected admin address %s", AdminAddress())
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
