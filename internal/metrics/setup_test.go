package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

var testRegistry *prometheus.Registry

func TestMain(m *testing.M) {
	// Initialize once before parallel tests touch the globals.
	testRegistry = prometheus.NewRegistry()
	if err := Init(testRegistry); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}
