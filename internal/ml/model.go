package ml

import (
	"context"
	"fmt"
	"time"
)

// Model kinds understood by DecodeModel.
const (
	KindLinear = "linear"
	KindMLP    = "mlp"
	KindKServe = "kserve"
)

// Model scores a feature vector. Implementations must be safe for
// concurrent use and must not modify the vector.
type Model interface {
	Name() string
	Predict(ctx context.Context, features []float64) (float64, error)
}

// sizedModel is implemented by models that know their input width, so a
// bundle can reject them before serving.
type sizedModel interface {
	InputWidth() int
}

// ModelSpec is one ensemble member as declared in a manifest.
type ModelSpec struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Artifact string `json:"artifact"`
}

type loadOptions struct {
	remoteTimeout time.Duration
}

// LoadOption tunes LoadBundle.
type LoadOption func(*loadOptions)

// WithRemoteTimeout sets the default request timeout of remote models
// whose artifact does not carry its own.
func WithRemoteTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) {
		if d > 0 {
			o.remoteTimeout = d
		}
	}
}

func defaultLoadOptions() loadOptions {
	return loadOptions{remoteTimeout: 2 * time.Second}
}

// DecodeModel builds the model described by spec from its artifact bytes.
func DecodeModel(spec ModelSpec, data []byte, opts ...LoadOption) (Model, error) {
	lo := defaultLoadOptions()
	for _, opt := range opts {
		opt(&lo)
	}

	switch spec.Kind {
	case KindLinear:
		return decodeLinear(spec.Name, data)
	case KindMLP:
		return decodeMLP(spec.Name, data)
	case KindKServe:
		return decodeRemote(spec.Name, data, lo.remoteTimeout)
	default:
		return nil, fmt.Errorf("model %q: unknown kind %q", spec.Name, spec.Kind)
	}
}

func checkWidth(name string, want int, features []float64) error {
	if len(features) != want {
		return fmt.Errorf("model %s expects %d features, got %d", name, want, len(features))
	}
	return nil
}
