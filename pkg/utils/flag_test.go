package utils

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testOnlyFlag = flag.String("utils_test_only_flag", "initial", "Flag used by utils tests only.")

func TestSetTestFlag(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		SetTestFlags(t, map[string]string{"utils_test_only_flag": "overridden"})
		assert.Equal(t, "overridden", *testOnlyFlag)
	})
	t.Run("reverted_after_subtest", func(t *testing.T) {
		assert.Equal(t, "initial", *testOnlyFlag)
	})
}
