package ingest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kailas-cloud/cardex/internal/domain"
)

func TestSaveCards_Success_PairsBothIndices(t *testing.T) {
	f := newFixture()

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{
		card("Curry", "SN-1"),
		card("James", domain.NoSerial),
	})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 2 || len(out.Errors) != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	text, visual := f.index.ids(textIdx), f.index.ids(visualIdx)
	if !reflect.DeepEqual(text, visual) || len(text) != 2 {
		t.Fatalf("indices not paired: text=%v visual=%v", text, visual)
	}

	for _, id := range text {
		if got := f.index.entries[textIdx][id].Metadata["type"]; got != domain.EntryTypeCard {
			t.Errorf("text entry %s type = %q", id, got)
		}
		if got := f.index.entries[visualIdx][id].Metadata["type"]; got != domain.EntryTypeVisual {
			t.Errorf("visual entry %s type = %q", id, got)
		}
		if _, ok := f.index.entries[textIdx][id].Metadata["base64image"]; ok {
			t.Error("raw image must not be indexed")
		}
	}

	c := out.Cards[0]
	if c.ID != "card-1" || !strings.HasPrefix(c.ImageURL, "https://cards.s3.amazonaws.com/obj-") {
		t.Errorf("unexpected card %+v", c)
	}
	if len(f.cards.records) != 2 {
		t.Errorf("expected 2 card records, got %d", len(f.cards.records))
	}
	if f.serials.claims["SN-1"] != "card-1" {
		t.Errorf("serial claim = %v", f.serials.claims)
	}
}

func TestSaveCards_Empty(t *testing.T) {
	f := newFixture()
	out, err := f.svc.SaveCards(context.Background(), nil)
	if err != nil || !out.Empty() {
		t.Fatalf("got %+v, %v", out, err)
	}
}

func TestSaveCards_BatchTooLarge(t *testing.T) {
	f := newFixture()
	records := make([]domain.CardRecord, 11)
	for i := range records {
		records[i] = card("X", domain.NoSerial)
	}

	_, err := f.svc.SaveCards(context.Background(), records)
	if !errors.Is(err, domain.ErrInvalidRecord) || !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("unexpected error %v", err)
	}
	if f.objects.count() != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestSaveCards_DuplicateRejectedIdempotently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.SaveCards(ctx, []domain.CardRecord{card("Curry", "SN-1")}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	// Claims expire in production; the index lookup alone must reject from here on.
	f.serials.claims = map[string]string{}

	for range 2 {
		out, err := f.svc.SaveCards(ctx, []domain.CardRecord{card("Curry", "SN-1"), card("James", "SN-2")})
		if err != nil {
			t.Fatalf("SaveCards: %v", err)
		}
		if len(out.Errors) != 1 {
			t.Fatalf("expected 1 error, got %+v", out.Errors)
		}
		if got := out.Errors[0].Error(); got != "duplicate serial number: SN-1" {
			t.Errorf("error = %q", got)
		}
		if !errors.Is(out.Errors[0], domain.ErrDuplicateSerial) {
			t.Error("expected ErrDuplicateSerial")
		}
		f.serials.claims = map[string]string{}
		f.index.entries[textIdx] = map[string]domain.IndexEntry{"card-1": f.index.entries[textIdx]["card-1"]}
		f.index.entries[visualIdx] = map[string]domain.IndexEntry{"card-1": f.index.entries[visualIdx]["card-1"]}
	}
}

func TestSaveCards_SentinelBypassesDedup(t *testing.T) {
	f := newFixture()

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{
		card("A", domain.NoSerial),
		card("B", domain.NoSerial),
		card("C", ""),
	})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 3 {
		t.Errorf("expected 3 cards, got %d", len(out.Cards))
	}
	if len(f.index.queries) != 0 {
		t.Errorf("sentinel serials must not be looked up, got %v", f.index.queries)
	}
}

func TestSaveCards_DuplicateWithinBatch(t *testing.T) {
	f := newFixture()

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{
		card("A", "SN-9"),
		card("B", "SN-9"),
	})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 1 || out.Cards[0].ID != "card-1" {
		t.Errorf("expected only card-1 saved, got %+v", out.Cards)
	}
	if len(out.Errors) != 1 || out.Errors[0].ID() != "card-2" || out.Errors[0].Reason() != "duplicate" {
		t.Errorf("unexpected errors %+v", out.Errors)
	}
}

func TestSaveCards_ClaimHeldElsewhere(t *testing.T) {
	f := newFixture()
	f.serials.claims["SN-7"] = "other-request"

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", "SN-7")})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 0 || len(out.Errors) != 1 || !errors.Is(out.Errors[0], domain.ErrDuplicateSerial) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.serials.claims["SN-7"] != "other-request" {
		t.Error("a lost claim must not release the holder's claim")
	}
}

func TestSaveCards_DuplicateCheckFailure(t *testing.T) {
	f := newFixture()
	f.index.queryErr = errors.New("ft.search timeout")

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{
		card("A", "SN-1"),
		card("B", domain.NoSerial),
	})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 1 || out.Cards[0].Player != "B" {
		t.Errorf("unexpected cards %+v", out.Cards)
	}
	if len(out.Errors) != 1 || !errors.Is(out.Errors[0], domain.ErrDuplicateCheck) {
		t.Errorf("unexpected errors %+v", out.Errors)
	}
}

func TestSaveCards_PartialUploadFailure(t *testing.T) {
	f := newFixture()
	f.objects.failData = "broken"

	broken := card("B", "SN-2")
	broken.Base64Image = "data:image/png;base64,YnJva2Vu" // "broken"

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{
		card("A", "SN-1"),
		broken,
		card("C", "SN-3"),
	})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}

	if len(out.Cards) != 2 || out.Cards[0].ID != "card-1" || out.Cards[1].ID != "card-3" {
		t.Fatalf("unexpected cards %+v", out.Cards)
	}
	if len(out.Errors) != 1 || out.Errors[0].ID() != "card-2" {
		t.Fatalf("unexpected errors %+v", out.Errors)
	}
	if !errors.Is(out.Errors[0], domain.ErrImageUpload) {
		t.Errorf("expected ErrImageUpload, got %v", out.Errors[0])
	}
	if _, held := f.serials.claims["SN-2"]; held {
		t.Error("claim of the failed card must be released")
	}
	if got := f.index.ids(textIdx); !reflect.DeepEqual(got, []string{"card-1", "card-3"}) {
		t.Errorf("text index = %v", got)
	}
}

func TestSaveCards_InvalidImageIsPerCard(t *testing.T) {
	f := newFixture()
	bad := card("B", domain.NoSerial)
	bad.Base64Image = "https://example.com/not-a-data-url.png"

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", domain.NoSerial), bad})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 1 || len(out.Errors) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !errors.Is(out.Errors[0], domain.ErrInvalidImage) || !errors.Is(out.Errors[0], domain.ErrImageUpload) {
		t.Errorf("unexpected error %v", out.Errors[0])
	}
}

func TestSaveCards_InvalidRecord(t *testing.T) {
	f := newFixture()
	bad := card("B", domain.NoSerial)
	bad.Grade = 11

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{bad})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Errors) != 1 || out.Errors[0].Reason() != "invalid" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.objects.count() != 0 {
		t.Error("invalid record must not be uploaded")
	}
}

func TestSaveCards_CardRecordFailure(t *testing.T) {
	f := newFixture()
	f.cards.failFor = "B"

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", "SN-1"), card("B", "SN-2")})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 1 || len(out.Errors) != 1 || !errors.Is(out.Errors[0], domain.ErrCardRecord) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.objects.count() != 1 {
		t.Errorf("image of the failed card must be deleted, %d objects left", f.objects.count())
	}
	if _, held := f.serials.claims["SN-2"]; held {
		t.Error("claim of the failed card must be released")
	}
}

func TestSaveCards_EmbeddingFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.embed.imageErr = errors.New("clip server down")

	_, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", "SN-1"), card("B", domain.NoSerial)})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected ErrEmbeddingProviderError, got %v", err)
	}

	if f.objects.count() != 0 {
		t.Errorf("all images must be deleted, %d left", f.objects.count())
	}
	if len(f.objects.deleted) != 2 {
		t.Errorf("expected 2 deletes, got %v", f.objects.deleted)
	}
	if len(f.cards.records) != 0 {
		t.Errorf("card records must be deleted, %d left", len(f.cards.records))
	}
	if len(f.serials.claims) != 0 {
		t.Errorf("claims must be released, got %v", f.serials.claims)
	}
	if len(f.index.ids(textIdx))+len(f.index.ids(visualIdx)) != 0 {
		t.Error("nothing may be indexed")
	}
}

func TestSaveCards_UpsertFailureRemovesPartialEntries(t *testing.T) {
	f := newFixture()
	f.index.upsertErr[visualIdx] = errors.New("OOM")

	_, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", "SN-1"), card("B", "SN-2")})
	if !errors.Is(err, domain.ErrIndexUpsert) {
		t.Fatalf("expected ErrIndexUpsert, got %v", err)
	}

	if got := f.index.ids(textIdx); len(got) != 0 {
		t.Errorf("text index must be empty, got %v", got)
	}
	if got := f.index.ids(visualIdx); len(got) != 0 {
		t.Errorf("visual index must be empty, got %v", got)
	}
	want := []string{"card-1", "card-2"}
	for _, idx := range []string{textIdx, visualIdx} {
		if !reflect.DeepEqual(f.index.deletes[idx], want) {
			t.Errorf("%s deletes = %v, want exact ids %v", idx, f.index.deletes[idx], want)
		}
	}
	if f.objects.count() != 0 {
		t.Error("images must be deleted")
	}
}

func TestSaveCards_RollbackSurvivesCancellation(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.embed.onText = cancel
	f.embed.textErr = context.Canceled

	if _, err := f.svc.SaveCards(ctx, []domain.CardRecord{card("A", domain.NoSerial)}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.objects.ctxErrs) != 1 || f.objects.ctxErrs[0] != nil {
		t.Errorf("rollback must run on a live context, got %v", f.objects.ctxErrs)
	}
	if f.objects.count() != 0 {
		t.Error("image must be deleted")
	}
}

func TestSaveCards_OrderPreserved(t *testing.T) {
	f := newFixture()
	textVecs := map[string][]float32{"A": {1, 0, 0}, "B": {0, 1, 0}, "C": {0, 0, 1}}
	images := map[string]string{
		"A": "data:image/png;base64,QUFB", // "AAA"
		"B": "data:image/png;base64,QkJC", // "BBB"
		"C": "data:image/png;base64,Q0ND", // "CCC"
	}
	imageVecs := map[string][]float32{"A": {0, 0, 2}, "B": {0, 2, 0}, "C": {2, 0, 0}}
	f.embed.vecFn = func(in string) []float32 {
		for name, ref := range images {
			if in == ref {
				return imageVecs[name]
			}
		}
		for name, v := range textVecs {
			if strings.HasPrefix(in, name+" ") {
				return v
			}
		}
		return []float32{0, 0, 0}
	}

	var recs []domain.CardRecord
	for _, name := range []string{"A", "B", "C"} {
		rec := card(name, domain.NoSerial)
		rec.Base64Image = images[name]
		recs = append(recs, rec)
	}

	out, err := f.svc.SaveCards(context.Background(), recs)
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}
	if len(out.Cards) != 3 {
		t.Fatalf("expected 3 cards, got %+v", out)
	}

	for i, c := range out.Cards {
		if c.Player != recs[i].Player {
			t.Errorf("card %d is %s, want %s", i, c.Player, recs[i].Player)
		}
		if got := f.index.entries[textIdx][c.ID].Vector; !reflect.DeepEqual(got, textVecs[c.Player]) {
			t.Errorf("card %s (%s) text vector %v, want %v", c.ID, c.Player, got, textVecs[c.Player])
		}
		if got := f.index.entries[visualIdx][c.ID].Vector; !reflect.DeepEqual(got, imageVecs[c.Player]) {
			t.Errorf("card %s (%s) visual vector %v, want %v", c.ID, c.Player, got, imageVecs[c.Player])
		}
	}
}

func TestSaveCards_EmbedsSubmittedImageNotUploadedURL(t *testing.T) {
	f := newFixture()

	out, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", domain.NoSerial)})
	if err != nil {
		t.Fatalf("SaveCards: %v", err)
	}

	if !reflect.DeepEqual(f.embed.imageRefs, []string{pngURL}) {
		t.Errorf("image embed inputs = %v, want the submitted data URL", f.embed.imageRefs)
	}
	url := out.Cards[0].ImageURL
	if !strings.HasPrefix(url, "https://cards.s3.amazonaws.com/") {
		t.Fatalf("unexpected image url %q", url)
	}
	if got := f.index.entries[visualIdx][out.Cards[0].ID].Metadata[domain.FieldImageURL]; got != url {
		t.Errorf("visual entry imageUrl = %q, want %q", got, url)
	}
}

func TestSaveCards_RollbackKeepsClaimTakenByOthers(t *testing.T) {
	f := newFixture()
	f.embed.textErr = errors.New("clip server down")
	// SN-1's claim expires mid-saga and another request takes it.
	f.embed.onText = func() {
		f.serials.mu.Lock()
		f.serials.claims["SN-1"] = "other-request"
		f.serials.mu.Unlock()
	}

	if _, err := f.svc.SaveCards(context.Background(), []domain.CardRecord{card("A", "SN-1")}); err == nil {
		t.Fatal("expected embedding error")
	}
	if got := f.serials.claims["SN-1"]; got != "other-request" {
		t.Errorf("rollback released a claim it no longer owns: %q", got)
	}
}

func TestSaveCard_DuplicateIsError(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.SaveCard(context.Background(), card("A", "SN-1")); err != nil {
		t.Fatalf("first SaveCard: %v", err)
	}

	_, err := f.svc.SaveCard(context.Background(), card("A", "SN-1"))
	var dup *domain.DuplicateSerialError
	if !errors.As(err, &dup) || dup.Serial != "SN-1" {
		t.Fatalf("expected DuplicateSerialError, got %v", err)
	}
}

func TestSaveCard_Success(t *testing.T) {
	f := newFixture()
	got, err := f.svc.SaveCard(context.Background(), card("A", domain.NoSerial))
	if err != nil {
		t.Fatalf("SaveCard: %v", err)
	}
	if got.ID != "card-1" || got.ImageURL == "" {
		t.Errorf("unexpected card %+v", got)
	}
}
