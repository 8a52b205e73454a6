package golden

import (
	"path/filepath"
	"strings"
	"testing"

	"sdhci.dev/driver/sdhci"
)

func session(t *testing.T, arg uint32) []sdhci.Access {
	t.Helper()
	sim := sdhci.NewSimulator(sdhci.DefaultSimConfig())
	sim.StartTrace()
	c, err := sdhci.New(sim.Config())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Request(&sdhci.Request{Cmd: 13, Flags: sdhci.RespR1, Arg: arg}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 512)
	read := &sdhci.Request{
		Cmd:        17,
		Flags:      sdhci.RespR1 | sdhci.RespDataPresent | sdhci.CmdRead,
		BlockSize:  512,
		BlockCount: 1,
		Buf:        buf,
	}
	if err := c.Request(read); err != nil {
		t.Fatal(err)
	}
	return sim.Trace()
}

func TestCompareTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor.gz")
	trace := session(t, 1<<16)
	if len(trace) == 0 {
		t.Fatal("empty trace")
	}
	if err := CompareTrace(path, true, trace); err != nil {
		t.Fatal(err)
	}
	if err := CompareTrace(path, false, session(t, 1<<16)); err != nil {
		t.Errorf("identical session: %v", err)
	}
	err := CompareTrace(path, false, session(t, 2<<16))
	if err == nil {
		t.Fatal("different argument matched the golden trace")
	}
	if !strings.Contains(err.Error(), "write32 0x08 = 0x20000") {
		t.Errorf("mismatch error %q does not name the argument write", err)
	}
	if err := CompareTrace(path, false, trace[:len(trace)-1]); err == nil {
		t.Error("truncated trace matched")
	}
}

func TestReadTraceMissing(t *testing.T) {
	if _, err := ReadTrace(filepath.Join(t.TempDir(), "missing.cbor.gz")); err == nil {
		t.Error("missing golden file read")
	}
}
