package demangle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDemangleUnqualifiedFunction(t *testing.T) {
	// _Z3fooi -> "foo(int)"
	require.Equal(t, "foo(int)", Demangle("_Z3fooi"))
}

func TestDemangleNestedName(t *testing.T) {
	// _ZN3Foo3barEv -> "Foo::bar()"
	require.Equal(t, "Foo::bar()", Demangle("_ZN3Foo3barEv"))
}

func TestDemangleLeadingUnderscore(t *testing.T) {
	require.Equal(t, Demangle("_Z3fooi"), Demangle("__Z3fooi"))
}

func TestDemanglePassesThroughNonMangled(t *testing.T) {
	require.Equal(t, "_not_mangled", Demangle("_not_mangled"))
	require.Equal(t, "plain_c_symbol", Demangle("plain_c_symbol"))
}

func TestDemangleVoidParamList(t *testing.T) {
	require.Equal(t, "Foo::bar()", Demangle("_ZN3Foo3barEv"))
}
