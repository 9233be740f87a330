package options

import (
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/symtab"
	"github.com/stretchr/testify/require"
)

func TestParseBasicDylibOutput(t *testing.T) {
	opts, err := Parse([]string{"-dylib", "-install_name", "/usr/lib/libfoo.dylib", "-o", "libfoo.dylib", "a.o", "b.o"})
	require.NoError(t, err)
	require.Equal(t, DynamicLibrary, opts.OutputKind)
	require.Equal(t, "/usr/lib/libfoo.dylib", opts.InstallName)
	require.Equal(t, []string{"a.o", "b.o"}, opts.ObjectFiles)
}

func TestParseUndefinedDynamicLookup(t *testing.T) {
	opts, err := Parse([]string{"-undefined", "dynamic_lookup"})
	require.NoError(t, err)
	require.Equal(t, UndefinedDynamicLookup, opts.Undefined)
	require.True(t, opts.DynamicLookup)
}

func TestParseCommonsUseDylibs(t *testing.T) {
	opts, err := Parse([]string{"-commons", "use_dylibs"})
	require.NoError(t, err)
	require.Equal(t, symtab.CommonsUseDylibs, opts.Commons)
}

func TestParseRejectsDylibFileOverride(t *testing.T) {
	_, err := Parse([]string{"-dylib_file", "/a:/b"})
	require.Error(t, err)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"-not_a_real_flag"})
	require.Error(t, err)
}

func TestParseDefaultsOutputPath(t *testing.T) {
	opts, err := Parse([]string{"a.o"})
	require.NoError(t, err)
	require.Equal(t, "a.out", opts.OutputPath)
}
