package volte_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkir0/homenichat-serv/watchdog/clock"
	"github.com/elkir0/homenichat-serv/watchdog/volte"
)

// mockModem answers AT commands from a fixed table, echoing the command
// line first (as a real modem does) the same way the at package's own test
// double does.
type mockModem struct {
	cmdSet map[string][]string
	r      chan []byte
	writes int
	sent   []string
}

func newMockModem(cmdSet map[string][]string) *mockModem {
	return &mockModem{cmdSet: cmdSet, r: make(chan []byte, 64)}
}

func (m *mockModem) Read(p []byte) (int, error) {
	data, ok := <-m.r
	if !ok {
		return 0, context.Canceled
	}
	copy(p, data)
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (int, error) {
	m.writes++
	m.sent = append(m.sent, string(p))
	m.r <- p // echo
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func TestGetStatusParsesDerivedFields(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QCFG=\"ims\"\r\n": {"+QCFG: \"ims\",1,1\r\n", "OK\r\n"},
		"AT+COPS?\r\n":        {"+COPS: 0,0,\"Carrier\",7\r\n", "OK\r\n"},
		"AT+QAUDMOD?\r\n":     {"+QAUDMOD: 3\r\n", "OK\r\n"},
		"AT+QPCMV?\r\n":       {"+QPCMV: 1,2\r\n", "OK\r\n"},
	}
	m := newMockModem(cmdSet)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	s, err := c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	assert.True(t, s.IMSEnabled)
	assert.True(t, s.IMSRegistered)
	assert.Equal(t, "LTE", s.NetworkMode)
	assert.Equal(t, 3, s.AudioMode)
	assert.Equal(t, 2, s.PCMMode)
	assert.True(t, s.VolteEnabled)
	assert.True(t, s.VolteActive)
	assert.Empty(t, s.Warning)
}

func TestGetStatusCachesUntilTTLExpires(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QCFG=\"ims\"\r\n": {"+QCFG: \"ims\",1,1\r\n", "OK\r\n"},
		"AT+COPS?\r\n":        {"+COPS: 0,0,\"Carrier\",7\r\n", "OK\r\n"},
		"AT+QAUDMOD?\r\n":     {"+QAUDMOD: 3\r\n", "OK\r\n"},
		"AT+QPCMV?\r\n":       {"+QPCMV: 1,2\r\n", "OK\r\n"},
	}
	m := newMockModem(cmdSet)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	_, err := c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	writesAfterFirst := m.writes

	_, err = c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	assert.Equal(t, writesAfterFirst, m.writes, "second call within TTL should hit the cache, not the modem")

	clk.Advance(31 * time.Second)
	_, err = c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	assert.Greater(t, m.writes, writesAfterFirst, "call past TTL should re-query the modem")
}

func TestToggleInvalidatesCache(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QCFG=\"ims\"\r\n": {"+QCFG: \"ims\",0,0\r\n", "OK\r\n"},
		"AT+COPS?\r\n":        {"+COPS: 0,0,\"Carrier\",0\r\n", "OK\r\n"},
		"AT+QAUDMOD?\r\n":     {"+QAUDMOD: 0\r\n", "OK\r\n"},
		"AT+QPCMV?\r\n":       {"+QPCMV: 1,0\r\n", "OK\r\n"},
	}
	m := newMockModem(cmdSet)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	s1, err := c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	assert.False(t, s1.VolteEnabled)
	writesBeforeToggle := m.writes

	c.Toggle("modem-1")
	s2, err := c.GetStatus(context.Background(), "modem-1", false)
	require.NoError(t, err)
	assert.False(t, s2.VolteEnabled)
	assert.Greater(t, m.writes, writesBeforeToggle, "call after Toggle should re-query the modem")
}

func TestEnableRunsActivationSequenceInOrder(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QCFG=\"nwscanmode\",3\r\n":                {"OK\r\n"},
		"AT+QCFG=\"ims\",1\r\n":                        {"OK\r\n"},
		"AT+QMBNCFG=\"Select\",\"ROW_Generic_3GPP\"\r\n": {"OK\r\n"},
		"AT+CGDCONT=2,\"IPV4V6\",\"ims\"\r\n":           {"OK\r\n"},
		"AT+QAUDMOD=3\r\n":                              {"OK\r\n"},
		"AT+QPCMV=1,2\r\n":                               {"OK\r\n"},
		"AT+QCFG=\"ims\"\r\n":                            {"+QCFG: \"ims\",1,1\r\n", "OK\r\n"},
		"AT+COPS?\r\n":                                   {"+COPS: 0,0,\"Carrier\",7\r\n", "OK\r\n"},
		"AT+QAUDMOD?\r\n":                                {"+QAUDMOD: 3\r\n", "OK\r\n"},
		"AT+QPCMV?\r\n":                                  {"+QPCMV: 1,2\r\n", "OK\r\n"},
	}
	m := newMockModem(cmdSet)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	done := make(chan struct{})
	go func() {
		s, err := c.Enable(context.Background(), "modem-1")
		require.NoError(t, err)
		assert.True(t, s.VolteEnabled)
		close(done)
	}()

	// Drain the fake clock's sleeps: six 500ms settles plus the 3s IMS wait.
	// A short real sleep before each Advance gives the worker goroutine time
	// to reach its Sleep call before the clock moves.
	for i := 0; i < 6; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(500 * time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	clk.Advance(3 * time.Second)
	<-done

	want := []string{
		"AT+QCFG=\"nwscanmode\",3\r\n",
		"AT+QCFG=\"ims\",1\r\n",
		"AT+QMBNCFG=\"Select\",\"ROW_Generic_3GPP\"\r\n",
		"AT+CGDCONT=2,\"IPV4V6\",\"ims\"\r\n",
		"AT+QAUDMOD=3\r\n",
		"AT+QPCMV=1,2\r\n",
	}
	require.GreaterOrEqual(t, len(m.sent), len(want))
	assert.Equal(t, want, m.sent[:len(want)])
}

func TestInitializeSkipsActivationWhenVolteDisabled(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QCFG=\"ims\"\r\n": {"+QCFG: \"ims\",0,0\r\n", "OK\r\n"},
		"AT+COPS?\r\n":        {"+COPS: 0,0,\"Carrier\",0\r\n", "OK\r\n"},
		"AT+QAUDMOD?\r\n":     {"+QAUDMOD: 0\r\n", "OK\r\n"},
		"AT+QPCMV?\r\n":       {"+QPCMV: 1,0\r\n", "OK\r\n"},
	}
	m := newMockModem(cmdSet)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	listDevices := func(ctx context.Context) string {
		return "modem-1  Free  EC25"
	}

	done := make(chan volte.InitializeResult)
	go func() {
		done <- c.Initialize(context.Background(), "modem-1", false, listDevices)
	}()
	time.Sleep(5 * time.Millisecond)
	clk.Advance(3 * time.Second) // the post-enumeration settle
	res := <-done
	assert.True(t, res.Success)
	assert.False(t, res.Status.VolteEnabled)
}

func TestInitializeTimesOutWaitingForFree(t *testing.T) {
	m := newMockModem(nil)
	clk := clock.NewFake(time.Unix(0, 0))
	c := volte.New(m, clk, 30*time.Second)

	listDevices := func(ctx context.Context) string {
		return "modem-1  Not found"
	}

	done := make(chan volte.InitializeResult)
	go func() {
		done <- c.Initialize(context.Background(), "modem-1", false, listDevices)
	}()
	for i := 0; i < 31; i++ {
		time.Sleep(2 * time.Millisecond)
		clk.Advance(2 * time.Second)
	}
	res := <-done
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
