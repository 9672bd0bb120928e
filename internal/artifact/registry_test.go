package artifact

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
)

// waitForArtifact 轮询直到 id 可 Reopen 或超时。
func waitForArtifact(t *testing.T, r *Registry, id string, timeout time.Duration) Artifact {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if art, err := r.Reopen(id); err == nil {
			return art
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("artifact %q not resolved within %v", id, timeout)
	return Artifact{}
}

// ─── 文本铸造 ───

func TestMintFromText_SequentialIDs(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id1 := r.MintFromText("t1", KindCode, "print('a')")
	id2 := r.MintFromText("t1", KindCode, "print('b')")

	if id1 != "artifact-1" {
		t.Errorf("first id = %q, want 'artifact-1'", id1)
	}
	if id2 != "artifact-2" {
		t.Errorf("second id = %q, want 'artifact-2'", id2)
	}
}

func TestMintFromText_SameTurnReRenderReusesID(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id1 := r.MintFromText("t1", KindCode, "print('hi')")
	id2 := r.MintFromText("t1", KindCode, "print('hi')")

	if id1 != id2 {
		t.Errorf("re-render minted %q, want reuse of %q", id2, id1)
	}
	if n := r.Len(); n != 1 {
		t.Errorf("registry holds %d artifacts, want 1", n)
	}
}

func TestMintFromText_DistinctTurnsMintDistinctIDs(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id1 := r.MintFromText("t1", KindCode, "print('hi')")
	id2 := r.MintFromText("t2", KindCode, "print('hi')")

	if id1 == id2 {
		t.Errorf("distinct turns shared id %q, want distinct ids", id1)
	}
}

func TestMintFromText_KindPartOfDedupeKey(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id1 := r.MintFromText("t1", KindCode, "graph TD")
	id2 := r.MintFromText("t1", KindDiagram, "graph TD")

	if id1 == id2 {
		t.Errorf("code and diagram shared id %q, want distinct", id1)
	}
}

func TestMintLabeled_RecordsLang(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id := r.MintLabeled("t1", KindCode, "python", "print('hi')")

	art, err := r.Reopen(id)
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if art.Lang != "python" {
		t.Errorf("Lang = %q, want 'python'", art.Lang)
	}
}

func TestReleaseTurn_DropsDedupeIndex(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	id1 := r.MintFromText("t1", KindCode, "x")
	r.ReleaseTurn("t1")
	id2 := r.MintFromText("t1", KindCode, "x")

	if id1 == id2 {
		t.Errorf("mint after release reused %q, want fresh id", id1)
	}
}

// ─── 乱序工件解析 (带外负载 × 文本引用) ───

func TestMintImage_PayloadArrivesFirst(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.CachePendingPayload("img-1", "BASE64")

	id := r.MintImage("img-1")
	if id != "img-1" {
		t.Errorf("MintImage() = %q, want 'img-1'", id)
	}
	art, err := r.Reopen("img-1")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if art.Kind != KindImage {
		t.Errorf("Kind = %q, want %q", art.Kind, KindImage)
	}
	if art.Payload != "BASE64" {
		t.Errorf("Payload = %q, want 'BASE64'", art.Payload)
	}
}

func TestMintImage_ReferenceArrivesFirst(t *testing.T) {
	r := NewRegistry(time.Minute, 0, nil)
	id := r.MintImage("img-1")
	if id != "img-1" {
		t.Errorf("MintImage() = %q, want 'img-1'", id)
	}
	if _, err := r.Reopen("img-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Reopen before payload: err = %v, want ErrNotFound", err)
	}

	// 负载随后到达, 立即解析
	r.CachePendingPayload("img-1", "BASE64")
	art, err := r.Reopen("img-1")
	if err != nil {
		t.Fatalf("Reopen after payload: error = %v", err)
	}
	if art.Payload != "BASE64" {
		t.Errorf("Payload = %q, want 'BASE64'", art.Payload)
	}
	if art.Unavailable {
		t.Error("Unavailable = true, want false")
	}
}

func TestMintImage_IdempotentOnExisting(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.Materialize("img-1", KindImage, "BASE64")

	before, _ := r.Reopen("img-1")
	for i := 0; i < 3; i++ {
		if id := r.MintImage("img-1"); id != "img-1" {
			t.Fatalf("MintImage #%d = %q, want 'img-1'", i, id)
		}
	}
	after, _ := r.Reopen("img-1")

	if before.Payload != after.Payload || !before.CreatedAt.Equal(after.CreatedAt) {
		t.Errorf("record changed by repeated MintImage: before %+v, after %+v", before, after)
	}
	if n := r.Len(); n != 1 {
		t.Errorf("registry holds %d artifacts, want 1", n)
	}
}

func TestCachePendingPayload_LateDuplicateAbsorbed(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.Materialize("img-1", KindImage, "FINAL")
	r.CachePendingPayload("img-1", "STALE")

	art, _ := r.Reopen("img-1")
	if art.Payload != "FINAL" {
		t.Errorf("Payload = %q, want 'FINAL' (late payload must not overwrite)", art.Payload)
	}
}

func TestCachePendingPayload_OverwritesEarlierPending(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.CachePendingPayload("img-1", "v1")
	r.CachePendingPayload("img-1", "v2")

	r.MintImage("img-1")
	art, _ := r.Reopen("img-1")
	if art.Payload != "v2" {
		t.Errorf("Payload = %q, want 'v2' (newest pending wins)", art.Payload)
	}
}

func TestMaterialize_ConvergesWithMintImage(t *testing.T) {
	r := NewRegistry(0, 0, nil)

	// 文本引用先到, 带外路径经 Materialize 补上
	r.MintImage("img-1")
	r.Materialize("img-1", KindImage, "BASE64")

	first, err := r.Reopen("img-1")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}

	// 之后的重复渲染不得覆盖为空记录
	r.MintImage("img-1")
	second, err := r.Reopen("img-1")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if second.Payload != first.Payload {
		t.Errorf("Payload after re-render = %q, want %q", second.Payload, first.Payload)
	}
	if n := r.Len(); n != 1 {
		t.Errorf("registry holds %d artifacts, want 1", n)
	}
}

// ─── 保留前缀命名空间 ───

func TestReservedPrefix_RejectedOnExternalPaths(t *testing.T) {
	r := NewRegistry(0, 0, nil)

	r.MintImage("artifact-9")
	r.CachePendingPayload("artifact-9", "B64")
	r.Materialize("artifact-9", KindImage, "B64")
	r.EnsureLive("artifact-9", KindTerminal, "ls")
	r.AppendLiveOutput("artifact-9", "x")
	r.FinishLive("artifact-9", 0)

	if n := r.Len(); n != 0 {
		t.Errorf("registry holds %d artifacts after rejected ids, want 0", n)
	}
}

func TestReservedPrefix_MintImageOnOwnGeneratedID(t *testing.T) {
	// 文本里引用引擎自己生成的 id 是合法的, 幂等返回
	r := NewRegistry(0, 0, nil)
	id := r.MintFromText("t1", KindCode, "x")
	if got := r.MintImage(id); got != id {
		t.Errorf("MintImage(%q) = %q, want unchanged", id, got)
	}
}

// ─── 占位看门狗 (负载永不到达) ───

func TestPlaceholder_MintedAfterWait(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, 0, nil)
	r.MintImage("img-gone")

	art := waitForArtifact(t, r, "img-gone", time.Second)
	if !art.Unavailable {
		t.Errorf("Unavailable = false, want true")
	}
	if art.Kind != KindImage {
		t.Errorf("Kind = %q, want %q", art.Kind, KindImage)
	}
}

func TestPlaceholder_LaterMaterializeOverwrites(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, 0, nil)
	r.MintImage("img-slow")
	waitForArtifact(t, r, "img-slow", time.Second)

	r.Materialize("img-slow", KindImage, "BASE64")
	art, _ := r.Reopen("img-slow")
	if art.Unavailable {
		t.Error("Unavailable = true after Materialize, want false")
	}
	if art.Payload != "BASE64" {
		t.Errorf("Payload = %q, want 'BASE64'", art.Payload)
	}
}

func TestPlaceholder_NotMintedWhenPayloadResolves(t *testing.T) {
	r := NewRegistry(30*time.Millisecond, 0, nil)
	r.MintImage("img-ok")
	r.CachePendingPayload("img-ok", "BASE64")

	time.Sleep(80 * time.Millisecond)
	art, err := r.Reopen("img-ok")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if art.Unavailable {
		t.Error("Unavailable = true, want false (payload arrived in time)")
	}
	if art.Payload != "BASE64" {
		t.Errorf("Payload = %q, want 'BASE64'", art.Payload)
	}
}

// ─── live 工件 ───

func TestLive_FullLifecycle(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.EnsureLive("term-1", KindTerminal, "python run.py")
	r.AppendLiveOutput("term-1", "hello\n")
	r.AppendLiveOutput("term-1", "world\n")
	r.FinishLive("term-1", 0)

	art, err := r.Reopen("term-1")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if art.Command != "python run.py" {
		t.Errorf("Command = %q, want 'python run.py'", art.Command)
	}
	if art.Payload != "hello\nworld\n" {
		t.Errorf("Payload = %q, want 'hello\\nworld\\n'", art.Payload)
	}
	if !art.Done {
		t.Error("Done = false, want true")
	}
	if art.ExitCode == nil || *art.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", art.ExitCode)
	}
}

func TestLive_DuplicateStartAbsorbed(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.EnsureLive("term-1", KindTerminal, "ls")
	r.AppendLiveOutput("term-1", "out")
	r.EnsureLive("term-1", KindTerminal, "ls")

	art, _ := r.Reopen("term-1")
	if art.Payload != "out" {
		t.Errorf("Payload = %q, want 'out' (duplicate start must not reset)", art.Payload)
	}
}

func TestLive_OutputAfterFinishDropped(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.EnsureLive("term-1", KindTerminal, "ls")
	r.FinishLive("term-1", 1)
	r.AppendLiveOutput("term-1", "late")
	r.FinishLive("term-1", 0)

	art, _ := r.Reopen("term-1")
	if art.Payload != "" {
		t.Errorf("Payload = %q, want empty", art.Payload)
	}
	if *art.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 (duplicate finish must not overwrite)", *art.ExitCode)
	}
}

func TestLive_OutputBeforeStartCreatesRecord(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.AppendLiveOutput("term-x", "orphan")

	art, err := r.Reopen("term-x")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if art.Kind != KindTerminal {
		t.Errorf("Kind = %q, want %q", art.Kind, KindTerminal)
	}
	if art.Payload != "orphan" {
		t.Errorf("Payload = %q, want 'orphan'", art.Payload)
	}
}

func TestLive_RingCapKeepsNewestBytes(t *testing.T) {
	r := NewRegistry(0, 16, nil)
	r.EnsureLive("term-1", KindTerminal, "yes")
	r.AppendLiveOutput("term-1", strings.Repeat("a", 10))
	r.AppendLiveOutput("term-1", strings.Repeat("b", 10))

	art, _ := r.Reopen("term-1")
	if len(art.Payload) != 16 {
		t.Fatalf("len(Payload) = %d, want 16", len(art.Payload))
	}
	want := "aaaaaa" + strings.Repeat("b", 10)
	if art.Payload != want {
		t.Errorf("Payload = %q, want %q (oldest bytes dropped)", art.Payload, want)
	}
}

// ─── 读取 ───

func TestReopen_UnknownID(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	if _, err := r.Reopen("nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshot_SortedByCreation(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	for i := 0; i < 5; i++ {
		r.MintFromText("t1", KindCode, fmt.Sprintf("payload-%d", i))
	}

	snap := r.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("len(Snapshot()) = %d, want 5", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].CreatedAt.Before(snap[i-1].CreatedAt) {
			t.Errorf("snapshot out of order at %d: %v before %v", i, snap[i].CreatedAt, snap[i-1].CreatedAt)
		}
	}
}

func TestSnapshot_DeepCloned(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.EnsureLive("term-1", KindTerminal, "ls")
	r.FinishLive("term-1", 7)

	snap := r.Snapshot()
	*snap[0].ExitCode = 99
	snap[0].Payload = "mutated"

	art, _ := r.Reopen("term-1")
	if *art.ExitCode != 7 {
		t.Errorf("ExitCode = %d after snapshot mutation, want 7", *art.ExitCode)
	}
	if art.Payload != "" {
		t.Errorf("Payload = %q after snapshot mutation, want empty", art.Payload)
	}
}

// ─── 通知 ───

func TestNotify_CreatedAndUpdated(t *testing.T) {
	type change struct {
		event string
		id    string
	}
	var got []change
	r := NewRegistry(0, 0, func(ev string, art Artifact) {
		got = append(got, change{ev, art.ID})
	})

	id := r.MintFromText("t1", KindCode, "x")
	r.EnsureLive("term-1", KindTerminal, "ls")
	r.AppendLiveOutput("term-1", "chunk")
	r.FinishLive("term-1", 0)

	want := []change{
		{ChangeCreated, id},
		{ChangeCreated, "term-1"},
		{ChangeUpdated, "term-1"},
		{ChangeUpdated, "term-1"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d changes %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestNotify_AbsorbedOpsStaySilent(t *testing.T) {
	var count int
	r := NewRegistry(0, 0, func(string, Artifact) { count++ })

	r.MintFromText("t1", KindCode, "x")
	r.MintFromText("t1", KindCode, "x") // 去重吸收
	r.Materialize("img-1", KindImage, "B64")
	r.MintImage("img-1")                   // 已存在, no-op
	r.CachePendingPayload("img-1", "late") // 迟到负载, no-op

	if count != 2 {
		t.Errorf("notify fired %d times, want 2", count)
	}
}

// ─── 重置 ───

func TestReset_ClearsEverything(t *testing.T) {
	r := NewRegistry(time.Minute, 0, nil)
	r.MintFromText("t1", KindCode, "x")
	r.MintImage("img-1")
	r.CachePendingPayload("img-2", "B64")

	r.Reset()

	if n := r.Len(); n != 0 {
		t.Errorf("Len() = %d after reset, want 0", n)
	}
	// 计数器归零, id 从头分配
	if id := r.MintFromText("t2", KindCode, "y"); id != "artifact-1" {
		t.Errorf("first id after reset = %q, want 'artifact-1'", id)
	}
}
