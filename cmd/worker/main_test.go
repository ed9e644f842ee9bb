package main

import (
	"testing"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	_ "github.com/odyssey-erp/odyssey-access/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	if !app.InTestMode() {
		t.Fatal("expected test mode to be enabled by the guard package")
	}
	main()
}
