package orb_test

import (
	"testing"

	"github.com/nprpc/nprpc-go/nprpcerr"
	"github.com/nprpc/nprpc-go/objectid"
	"github.com/nprpc/nprpc-go/orb"
	"github.com/nprpc/nprpc-go/poa"
	"github.com/nprpc/nprpc-go/rpcsession"
	"github.com/stretchr/testify/require"
)

type nopServant struct{}

func (nopServant) ClassId() string                                  { return "Nop" }
func (nopServant) ValidateSession(ctx *rpcsession.Context) error     { return nil }
func (nopServant) Dispatch(ctx *rpcsession.Context, fromParent bool, ifaceIdx, funcIdx uint8, req []byte) ([]byte, error) {
	return req, nil
}

func TestRegisterPOAAndFindServant(t *testing.T) {
	rt := orb.NewRuntime(nil)
	p := poa.New("echo", 0, 4, poa.System, poa.Transient, nil)
	require.NoError(t, rt.RegisterPOA(p))

	id, err := p.ActivateObject(nopServant{}, "Nop")
	require.NoError(t, err)

	servant, err := rt.FindServant(0, uint64(id))
	require.NoError(t, err)
	require.Equal(t, "Nop", servant.ClassId())
}

func TestFindServantUnknownPoa(t *testing.T) {
	rt := orb.NewRuntime(nil)
	_, err := rt.FindServant(5, 1)
	require.ErrorIs(t, err, nprpcerr.ErrPoaNotExist)
}

func TestFindServantUnknownObject(t *testing.T) {
	rt := orb.NewRuntime(nil)
	p := poa.New("echo", 0, 4, poa.System, poa.Transient, nil)
	require.NoError(t, rt.RegisterPOA(p))

	_, err := rt.FindServant(0, 999)
	require.ErrorIs(t, err, nprpcerr.ErrObjectNotExist)
}

func TestRegisterPOADuplicateIndexRejected(t *testing.T) {
	rt := orb.NewRuntime(nil)
	require.NoError(t, rt.RegisterPOA(poa.New("a", 2, 4, poa.System, poa.Transient, nil)))
	require.Error(t, rt.RegisterPOA(poa.New("b", 2, 4, poa.System, poa.Transient, nil)))
}

func TestBindResolveUnbind(t *testing.T) {
	rt := orb.NewRuntime(nil)
	id := objectid.ObjectId{PoaIdx: 0, Oid: objectid.PackOid(1, 1), ClassId: "Svc"}

	rt.Bind(id, "svc")
	got, ok := rt.Resolve("svc")
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = rt.Resolve("missing")
	require.False(t, ok)

	rt.Unbind("svc")
	_, ok = rt.Resolve("svc")
	require.False(t, ok)
}

func TestSessionForUnreachableEndpointsFails(t *testing.T) {
	rt := orb.NewRuntime(nil)
	_, err := rt.SessionFor([]string{"quic://127.0.0.1:9"})
	require.ErrorIs(t, err, nprpcerr.ErrCommFailure)
}

func TestSessionForEmptyEndpointsFails(t *testing.T) {
	rt := orb.NewRuntime(nil)
	_, err := rt.SessionFor(nil)
	require.ErrorIs(t, err, nprpcerr.ErrCommFailure)
}
