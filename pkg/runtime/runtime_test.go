package runtime

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc/internal/registry"
	"github.com/meshrpc/meshrpc/pkg/config"
	"github.com/meshrpc/meshrpc/pkg/proxygen"
	"github.com/meshrpc/meshrpc/pkg/rtlog"
)

// testBits keeps RSA generation fast in tests; spec §6.6's 8192-bit default
// would make every New() call here unbearably slow.
const testBits = 2048

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func baseConfig(t *testing.T, keysPath string) config.RuntimeConfig {
	cfg := config.Default()
	cfg.KeyBits = testBits
	cfg.MyKeysPath = keysPath
	cfg.ListenAddress = "127.0.0.1"
	return cfg
}

func TestNewLoadsOrGeneratesIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id.key")

	rt1, err := New(rtlog.Nop(), baseConfig(t, path))
	require.NoError(t, err)

	rt2, err := New(rtlog.Nop(), baseConfig(t, path))
	require.NoError(t, err)

	assert.Equal(t, rt1.Identity().Public.N, rt2.Identity().Public.N)
}

func TestRegisterServiceDuplicateFails(t *testing.T) {
	rt, err := New(rtlog.Nop(), baseConfig(t, filepath.Join(t.TempDir(), "id.key")))
	require.NoError(t, err)

	desc := &registry.ServiceDescriptor{Name: "echo", Methods: map[string]registry.MethodDescriptor{}}
	build := func(string) (any, error) { return struct{}{}, nil }

	require.NoError(t, rt.RegisterService(desc, registry.Singleton, build, nil))
	assert.Error(t, rt.RegisterService(desc, registry.Singleton, build, nil))
}

func TestShutdownClosesListener(t *testing.T) {
	cfg := baseConfig(t, filepath.Join(t.TempDir(), "id.key"))
	cfg.ListenPort = freePort(t)

	rt, err := New(rtlog.Nop(), cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()

	_, err = net.DialTimeout("tcp", cfg.ListenAddr(), time.Second)
	assert.Error(t, err)
}

func pemEncodePublicKey(t *testing.T, dir, name string, rt *Runtime) string {
	t.Helper()
	der := x509.MarshalPKCS1PublicKey(rt.Identity().Public)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, block, 0600))
	return path
}

// TestEndToEndLocalInvocationAcrossRealTCP builds two real Runtimes, connects
// one to the other over a loopback TCP listener, and drives one full remote
// call from the connecting side through the acceptor's locally registered
// implementation and back (spec §4.8 + §4.9's accept-path local-invoke
// branch, exercised together rather than unit-by-unit).
func TestEndToEndLocalInvocationAcrossRealTCP(t *testing.T) {
	dir := t.TempDir()

	acceptorCfg := baseConfig(t, filepath.Join(dir, "acceptor.key"))
	acceptorCfg.ListenPort = freePort(t)
	acceptor, err := New(rtlog.Nop(), acceptorCfg)
	require.NoError(t, err)

	desc := &registry.ServiceDescriptor{Name: "echo", Methods: map[string]registry.MethodDescriptor{"Say": {Name: "Say"}}}
	entry := proxygen.MethodEntry{
		Fn: func(ctx context.Context, instance any, args []any) (any, error) {
			return args[0], nil
		},
		ParamTypes: []reflect.Type{reflect.TypeOf("")},
	}
	require.NoError(t, acceptor.RegisterService(desc, registry.Singleton,
		func(string) (any, error) { return struct{}{}, nil },
		map[string]proxygen.MethodEntry{"Say": entry}))

	initiatorCfg := baseConfig(t, filepath.Join(dir, "initiator.key"))
	initiator, err := New(rtlog.Nop(), initiatorCfg)
	require.NoError(t, err)

	// The acceptor trusts the initiator's key directly; in production this
	// trust is established via the sign-in backchannel or a pre-shared PEM
	// file, neither of which this test needs to exercise.
	require.NoError(t, acceptor.keystore.Add("initiator", initiator.Identity().Public))

	require.NoError(t, acceptor.Start(context.Background()))
	t.Cleanup(acceptor.Shutdown)

	pubPath := pemEncodePublicKey(t, dir, "acceptor.pub", acceptor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, initiator.Connect(ctx, config.PeerConfig{
		FriendlyName:     "acceptor",
		Addr:             acceptorCfg.ListenAddr(),
		TrustedPublicKey: pubPath,
		Connections:      1,
	}))
	t.Cleanup(initiator.Shutdown)

	result, rerr := initiator.Call(ctx, "", "echo.Say", []byte(`["hello"]`))
	require.Nil(t, rerr)
	assert.Equal(t, []byte(`"hello"`), result)
}
