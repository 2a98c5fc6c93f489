package encoder

import "testing"

func TestMeanPoolRespectsAttentionMask(t *testing.T) {
	seqLen := 3
	hidden := make([]float32, seqLen*Dim)
	// token 0: all 1s, token 1: all 3s (masked out), token 2: all 5s
	for d := 0; d < Dim; d++ {
		hidden[d] = 1
		hidden[Dim+d] = 3
		hidden[2*Dim+d] = 5
	}
	mask := []int64{1, 0, 1}

	vec := meanPool(hidden, mask, 0, seqLen)

	// mean of (1,5) = 3 per-dimension before normalization; after L2
	// normalize every dimension should be identical and the vector unit length.
	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x) * float64(x)
	}
	if diff := sumSq - 1.0; diff < -1e-4 || diff > 1e-4 {
		t.Errorf("expected unit-norm output, got squared norm %f", sumSq)
	}
	for i := 1; i < len(vec); i++ {
		if diff := vec[i] - vec[0]; diff < -1e-5 || diff > 1e-5 {
			t.Errorf("expected uniform pooled vector since all unmasked tokens are equal, dim %d = %f vs dim0 = %f", i, vec[i], vec[0])
			break
		}
	}
}

func TestEncodeMissingModelDir(t *testing.T) {
	_, err := New(Options{ModelDir: "/tmp/nonexistent-model-dir-memento-test"})
	if err == nil {
		t.Fatal("expected error for missing model dir, got nil")
	}
}
