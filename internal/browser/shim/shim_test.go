// internal/browser/shim/shim_test.go
package shim_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// -- a little dot import magic for the package under test --
	. "github.com/xkilldash9x/casefill/internal/browser/shim"
)

func TestBuild(t *testing.T) {
	t.Parallel()

	mockTemplate := `
		(function() {
			"use strict";
			const config = /*{{CASEFILL_CONFIG}}*/;
			console.log("binding", config.binding);
		})();
	`

	t.Run("should inject the config into the template", func(t *testing.T) {
		t.Parallel()
		script, err := Build(mockTemplate, `{"binding":"casefillAction"}`)
		require.NoError(t, err)
		assert.Contains(t, script, `const config = {"binding":"casefillAction"};`)
		assert.NotContains(t, script, ConfigPlaceholder)
	})

	t.Run("should inject an empty object for an empty config", func(t *testing.T) {
		t.Parallel()
		script, err := Build(mockTemplate, "  ")
		require.NoError(t, err)
		assert.Contains(t, script, "const config = {};")
	})

	t.Run("should return error for an empty template", func(t *testing.T) {
		t.Parallel()
		_, err := Build("", `{}`)
		assert.EqualError(t, err, "template is empty")
	})

	t.Run("should return error when placeholder is missing", func(t *testing.T) {
		t.Parallel()
		_, err := Build("const config = {};", `{}`)
		assert.EqualError(t, err, fmt.Sprintf("template does not contain the required placeholder: %s", ConfigPlaceholder))
	})
}

func TestScripts(t *testing.T) {
	t.Parallel()

	scripts, err := Scripts(Config{
		IndexAttr: "data-cf-idx",
		RefAttr:   "data-cf-ref",
		HostAttr:  "data-casefill-overlay",
		Binding:   "casefillAction",
	})
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	assert.Contains(t, scripts[0], "window.__casefill =")
	assert.Contains(t, scripts[0], `"indexAttr":"data-cf-idx"`)
	// collect numbers the whole document, not only the body subtree.
	assert.Contains(t, scripts[0], `document.getElementsByTagName("*")`)
	assert.Contains(t, scripts[1], "window.__casefillOverlay =")
	assert.Contains(t, scripts[1], `"binding":"casefillAction"`)
	for _, s := range scripts {
		assert.False(t, strings.Contains(s, ConfigPlaceholder))
	}
}
