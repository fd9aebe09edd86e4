package chagpt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/chagpt/internal/types"
)

const repertoireUpdateJSON = `{"type":"repertoire-update","programs":[{"id":1,"name":"Opening","performer":"Choir","time":"19:00"}],"current":1}`

const repertoireJSON = `4{"type":"repertoire","programs":[{"id":1,"name":"Opening","performer":"Choir","time":"19:00"}],"current":1}`

func TestAudience_Lifecycle(t *testing.T) {
	f := newFixture(t)
	role := f.svc.NewAudience()
	p := newPeer()

	role.OnConnect(p)
	assert.True(t, f.reg.Contains(p))
	assert.Empty(t, p.got(), "no snapshot before any repertoire exists")

	role.OnText(p, propose("hello", 3))
	require.Len(t, p.got(), 1, "the sender is part of the audience")

	role.OnBinary(p, []byte{1, 2, 3})
	role.OnText(p, "not json")
	assert.Len(t, p.got(), 1)

	role.OnDisconnect(p)
	assert.False(t, f.reg.Contains(p))
	assert.Zero(t, f.reg.Len())
}

func TestAudience_RepertoireSnapshot(t *testing.T) {
	f := newFixture(t)
	first := newPeer()
	f.svc.NewAudience().OnConnect(first)

	rep, err := parseRepertoireUpdate(repertoireUpdateJSON)
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateRepertoire(context.Background(), rep))
	assert.Equal(t, []string{repertoireJSON}, first.got())

	late := newPeer()
	f.svc.NewAudience().OnConnect(late)
	assert.Equal(t, []string{repertoireJSON}, late.got())
}

func TestAudience_DefaultConfigAcceptsEveryProposal(t *testing.T) {
	f := newFixture(t)
	role := f.svc.NewAudience()
	p := newPeer()
	role.OnConnect(p)

	for i := 0; i < 20; i++ {
		role.OnText(p, propose("hi", 1))
	}
	assert.Equal(t, 20, f.store.insertCount())
}

func TestAudience_RateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ProposeRate = 0.001
		c.ProposeBurst = 2
	})
	role := f.svc.NewAudience()
	p := newPeer()
	role.OnConnect(p)

	for i := 0; i < 5; i++ {
		role.OnText(p, propose("spam", 1))
	}
	assert.Equal(t, 2, f.store.insertCount())

	// Limits are per connection.
	other := newPeer()
	otherRole := f.svc.NewAudience()
	otherRole.OnConnect(other)
	otherRole.OnText(other, propose("fresh", 1))
	assert.Equal(t, 3, f.store.insertCount())
}

func TestAdmin_Login(t *testing.T) {
	f := newFixture(t)
	role := f.svc.NewAdmin()
	p := newPeer()
	role.OnConnect(p)

	role.OnText(p, "wrong")
	role.OnText(p, repertoireUpdateJSON)
	assert.False(t, f.reg.Admin.Occupied())
	assert.Zero(t, f.store.upserts, "unauthenticated messages are ignored")

	role.OnText(p, "  admin-secret\n")
	assert.Equal(t, []string{"4admin-secret"}, p.got())
	assert.Same(t, p, f.reg.Admin.Get())
}

func TestAdmin_EmptySecretNeverMatches(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AdminSecret = "" })
	role := f.svc.NewAdmin()
	p := newPeer()
	role.OnText(p, "")
	role.OnText(p, "   ")
	assert.False(t, f.reg.Admin.Occupied())
}

func TestAdmin_RepertoireUpdate(t *testing.T) {
	f := newFixture(t)
	viewer := newPeer()
	f.reg.Insert(viewer)
	role := f.svc.NewAdmin()
	mod := newPeer()
	role.OnText(mod, "admin-secret")

	role.OnText(mod, repertoireUpdateJSON)

	assert.Equal(t, []string{repertoireJSON}, viewer.got())
	assert.Equal(t, []string{"4admin-secret"}, mod.got(), "the admin is not part of the audience")
	require.NotNil(t, f.store.repertoire)
	assert.Equal(t, uint32(1), f.store.repertoire.Current)

	cur, ok := f.svc.Repertoire().Current()
	require.True(t, ok)
	assert.Equal(t, "Opening", cur.Programs[0].Name)
}

func TestAdmin_RepertoireUpdateStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.upsertErr = errStoreDown
	viewer := newPeer()
	f.reg.Insert(viewer)
	role := f.svc.NewAdmin()
	mod := newPeer()
	role.OnText(mod, "admin-secret")

	role.OnText(mod, repertoireUpdateJSON)

	assert.Empty(t, viewer.got())
	assert.Nil(t, f.svc.Repertoire().Snapshot())
}

func TestAdmin_DanmakuChecked(t *testing.T) {
	f := newFixture(t)
	viewer, display := newPeer(), newPeer()
	f.reg.Insert(viewer)
	f.svc.NewEmitter().OnText(display, "emitter-secret")

	role := f.svc.NewAdmin()
	mod := newPeer()
	role.OnText(mod, "admin-secret")
	role.OnText(mod, `{"type":"danmaku-checked","content":"nice","color":65280}`)
	role.OnText(mod, `{"type":"danmaku-checked","content":"no color"}`)
	role.OnText(mod, `{"type":"mystery"}`)

	assert.Equal(t, []string{`4{"content":"nice","color":65280}`}, display.got())
	assert.Empty(t, viewer.got())
	assert.Zero(t, f.store.insertCount())
}

func TestAdmin_StaleDisconnect(t *testing.T) {
	f := newFixture(t)
	roleA, roleB := f.svc.NewAdmin(), f.svc.NewAdmin()
	a, b := newPeer(), newPeer()

	roleA.OnText(a, "admin-secret")
	roleB.OnText(b, "admin-secret")
	assert.Same(t, b, f.reg.Admin.Get(), "last login wins")

	roleA.OnDisconnect(a)
	assert.Same(t, b, f.reg.Admin.Get(), "stale disconnect keeps the newer admin")

	roleB.OnDisconnect(b)
	assert.False(t, f.reg.Admin.Occupied())
}

func TestAdmin_UnauthenticatedDisconnect(t *testing.T) {
	f := newFixture(t)
	mod := newPeer()
	f.svc.NewAdmin().OnText(mod, "admin-secret")

	intruder := newPeer()
	role := f.svc.NewAdmin()
	role.OnText(intruder, "guess")
	role.OnDisconnect(intruder)
	assert.Same(t, mod, f.reg.Admin.Get())
}

func TestEmitter_Slot(t *testing.T) {
	f := newFixture(t)
	roleA, roleB := f.svc.NewEmitter(), f.svc.NewEmitter()
	a, b := newPeer(), newPeer()

	roleA.OnText(a, "nope")
	assert.False(t, f.reg.Emitter.Occupied())

	roleA.OnText(a, "emitter-secret ")
	roleB.OnText(b, "emitter-secret")
	assert.Same(t, b, f.reg.Emitter.Get())

	roleA.OnDisconnect(a)
	assert.Same(t, b, f.reg.Emitter.Get())
	roleB.OnDisconnect(b)
	assert.False(t, f.reg.Emitter.Occupied())
	assert.Empty(t, b.got(), "the emitter gets no login ack")
}

func TestRepertoireCache_Init(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.Init(context.Background()))
		assert.Nil(t, f.svc.Repertoire().Snapshot())
		_, ok := f.svc.Repertoire().Current()
		assert.False(t, ok)
	})

	t.Run("present", func(t *testing.T) {
		f := newFixture(t)
		f.store.repertoire = &types.Repertoire{Programs: []types.Program{{ID: 1, Name: "Opening", Performer: "Choir", Time: "19:00"}}, Current: 1}
		require.NoError(t, f.svc.Init(context.Background()))
		require.NotNil(t, f.svc.Repertoire().Snapshot())
		assert.Equal(t, repertoireJSON, f.svc.Repertoire().Snapshot().String())
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t)
		f.store.loadErr = errStoreDown
		assert.ErrorIs(t, f.svc.Init(context.Background()), errStoreDown)
		assert.Nil(t, f.svc.Repertoire().Snapshot())
	})
}

func TestRepertoireCache_UpdateCopies(t *testing.T) {
	f := newFixture(t)
	rep := types.Repertoire{Programs: []types.Program{{ID: 1, Name: "A"}}}
	_, err := f.svc.Repertoire().Update(context.Background(), rep)
	require.NoError(t, err)

	rep.Programs[0].Name = "mutated"
	cur, _ := f.svc.Repertoire().Current()
	assert.Equal(t, "A", cur.Programs[0].Name)
}

func TestParseRepertoireUpdate_Malformed(t *testing.T) {
	for _, in := range []string{
		`{"type":"repertoire-update"}`,
		`{"type":"repertoire-update","programs":[]}`,
		`{"type":"repertoire-update","programs":[{"id":"x"}],"current":1}`,
	} {
		_, err := parseRepertoireUpdate(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}
