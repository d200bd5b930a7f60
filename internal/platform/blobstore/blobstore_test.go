package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

const casePrefix = "clinics/north/patients/42/prosthetic/CP-2026-ABCDEF/"

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	obj, err := store.Put(ctx, casePrefix+"scan.stl", strings.NewReader("solid tooth"), "model/stl")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.FileName != "scan.stl" {
		t.Errorf("expected file name scan.stl, got %s", obj.FileName)
	}
	if obj.Size != int64(len("solid tooth")) {
		t.Errorf("unexpected size %d", obj.Size)
	}
	if len(obj.ETag) != 64 {
		t.Errorf("expected sha256 etag, got %q", obj.ETag)
	}

	got, rc, err := store.Get(ctx, casePrefix+"scan.stl")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "solid tooth" {
		t.Errorf("unexpected content %q", data)
	}
	if got.ContentType != "model/stl" {
		t.Errorf("unexpected content type %s", got.ContentType)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	_, _, err := NewMemoryStore().Get(context.Background(), "missing")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestMemoryStore_ListByPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"b.pdf", "a.png"} {
		ct := "application/pdf"
		if strings.HasSuffix(k, ".png") {
			ct = "image/png"
		}
		if _, err := store.Put(ctx, casePrefix+k, strings.NewReader(k), ct); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if _, err := store.Put(ctx, "clinics/north/patients/7/prosthetic/CP-2026-ZZZZZZ/x.png", strings.NewReader("x"), "image/png"); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx, casePrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(list))
	}
	if list[0].FileName != "a.png" || list[1].FileName != "b.pdf" {
		t.Errorf("expected key order, got %s, %s", list[0].FileName, list[1].FileName)
	}

	empty, err := store.List(ctx, "clinics/south/")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil list, got %v (%v)", empty, err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(ctx, casePrefix+"r.pdf", strings.NewReader("r"), "application/pdf")

	if err := store.Delete(ctx, casePrefix+"r.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, casePrefix+"r.pdf"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore_TooLarge(t *testing.T) {
	big := bytes.NewReader(make([]byte, MaxFileSize+1))
	_, err := NewMemoryStore().Put(context.Background(), casePrefix+"big.stl", big, "model/stl")
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestCheckPut(t *testing.T) {
	tests := []struct {
		key, ct string
		want    error
	}{
		{casePrefix + "a.pdf", "application/pdf", nil},
		{casePrefix + "a.jpg", "image/jpeg; charset=binary", nil},
		{casePrefix + "a.exe", "application/x-msdownload", ErrInvalidContentType},
		{"", "image/png", ErrInvalidKey},
		{casePrefix, "image/png", ErrInvalidKey},
		{"clinics/../etc/passwd", "text/plain", ErrInvalidKey},
		{"/abs/key.png", "image/png", ErrInvalidKey},
	}
	for _, tt := range tests {
		if got := CheckPut(tt.key, tt.ct); !errors.Is(got, tt.want) {
			t.Errorf("CheckPut(%q, %q) = %v, want %v", tt.key, tt.ct, got, tt.want)
		}
	}
}

func TestMemoryStore_ConcurrentPut(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := casePrefix + string(rune('a'+i)) + ".png"
			if _, err := store.Put(ctx, key, strings.NewReader("x"), "image/png"); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()
	list, _ := store.List(ctx, casePrefix)
	if len(list) != 20 {
		t.Errorf("expected 20 objects, got %d", len(list))
	}
}
