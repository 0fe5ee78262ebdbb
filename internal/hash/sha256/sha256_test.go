package sha256

import "testing"

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := Sum([]byte("hello world")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Sum([]byte("hello world")); again != want {
		t.Fatalf("expected deterministic digest, got %s", again)
	}
}

func TestDigesterMatchesSum(t *testing.T) {
	t.Parallel()

	d := New()
	if _, err := d.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := d.Write([]byte("world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got, want := d.Digest(), Sum([]byte("hello world")); got != want {
		t.Fatalf("streamed digest %s differs from one-shot %s", got, want)
	}
}
