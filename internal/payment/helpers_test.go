package payment

import (
	"testing"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string) {}
func (nopLogger) Info(string, string)  {}
func (nopLogger) Warn(string, string)  {}
func (nopLogger) Error(string, string) {}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog(mapConfig{})
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	return c
}

func describe(t *testing.T, c *Catalog, id string) NetworkDescriptor {
	t.Helper()
	d, err := c.Describe(id)
	if err != nil {
		t.Fatalf("Describe(%s): %v", id, err)
	}
	return d
}
