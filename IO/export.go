package IO

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/x448/float16"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

// Example is one sample of a masked batch, ready for an external trainer.
type Example struct {
	Input  *utils.Tensor // (num_patch x variate x patch_len)
	Target *utils.Tensor // (num_patch x variate x patch_len)
	Mask   *utils.Tensor // (num_patch x variate)
}

type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

func (d DType) size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

type ExportOptions struct {
	DType         DType
	MaxShardBytes int64 // <= 0 keeps everything in one shard
	Patch         params.PatchConfig
	Mask          params.MaskingConfig
}

// Manifest is written next to the shards as <prefix>.manifest.json.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	DType     DType     `json:"dtype"`
	NumPatch  int       `json:"num_patch"`
	Variates  int       `json:"variates"`
	PatchLen  int       `json:"patch_len"`
	Stride    int       `json:"stride"`
	MaskRatio float64   `json:"mask_ratio"`
	Policy    string    `json:"policy"`
	NoiseStd  float64   `json:"noise_std"`
	Records   int       `json:"records"`
	Shards    []string  `json:"shards"`
}

// SplitBatch slices a batch into per-sample examples. Each example copies
// its rows.
func SplitBatch(input, target, mask *utils.Tensor) ([]Example, error) {
	if input == nil || target == nil || mask == nil || input.Rank() != 4 ||
		!input.SameShape(target) || !utils.SameShape(mask.Shape, input.Shape[:3]) {
		return nil, fmt.Errorf("%w: cannot split batch", utils.ErrShapeMismatch)
	}
	out := make([]Example, input.Dim(0))
	for b := range out {
		in, _ := utils.FromSlice(input.Row(b), input.Shape[1:]...)
		tg, _ := utils.FromSlice(target.Row(b), target.Shape[1:]...)
		mk, _ := utils.FromSlice(mask.Row(b), mask.Shape[1:]...)
		out[b] = Example{Input: in, Target: tg, Mask: mk}
	}
	return out, nil
}

// ExportExamples writes examples to binary shards:
//
//   - <prefix>-NNN.bin = per record: input values, target values, then one
//     byte per mask cell
//   - <prefix>-NNN.idx = int64 (offset, length) in bytes per record
//
// Shards roll over once they reach opts.MaxShardBytes.
func ExportExamples(prefix string, examples []Example, opts ExportOptions) (*Manifest, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("export: no examples")
	}
	if opts.DType == "" {
		opts.DType = Float32
	}
	if opts.DType != Float32 && opts.DType != Float16 {
		return nil, fmt.Errorf("%w: unsupported dtype %q", params.ErrConfig, opts.DType)
	}
	first := examples[0]
	if first.Input == nil || first.Input.Rank() != 3 {
		return nil, fmt.Errorf("%w: example input must be (num_patch, variate, patch_len)", utils.ErrShapeMismatch)
	}
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	man := &Manifest{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		DType:     opts.DType,
		NumPatch:  first.Input.Dim(0),
		Variates:  first.Input.Dim(1),
		PatchLen:  first.Input.Dim(2),
		Stride:    opts.Patch.Stride,
		MaskRatio: opts.Mask.MaskRatio,
		Policy:    opts.Mask.Policy.String(),
		NoiseStd:  opts.Mask.NoiseStd,
	}

	var (
		dataF, idxF *os.File
		wData       *bufio.Writer
		wIdx        *bufio.Writer
		cur         int64
	)
	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		err := errors.Join(wData.Flush(), wIdx.Flush(), dataF.Close(), idxF.Close())
		dataF, idxF = nil, nil
		return err
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		name := fmt.Sprintf("%s-%03d", prefix, len(man.Shards))
		var err error
		if dataF, err = os.Create(name + ".bin"); err != nil {
			return err
		}
		if idxF, err = os.Create(name + ".idx"); err != nil {
			dataF.Close()
			dataF = nil
			os.Remove(name + ".bin")
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		man.Shards = append(man.Shards, filepath.Base(name))
		return nil
	}
	// abort closes the open shard and removes every shard written so far.
	abort := func(err error) (*Manifest, error) {
		errs := []error{err, closeShard()}
		dir := filepath.Dir(prefix)
		for _, name := range man.Shards {
			for _, ext := range []string{".bin", ".idx"} {
				if rerr := os.Remove(filepath.Join(dir, name+ext)); rerr != nil && !os.IsNotExist(rerr) {
					errs = append(errs, rerr)
				}
			}
		}
		return nil, errors.Join(errs...)
	}

	if err := openShard(); err != nil {
		return nil, err
	}
	buf8 := make([]byte, 8)
	for i, ex := range examples {
		if !exampleMatches(ex, man) {
			return abort(fmt.Errorf("%w: example %d shape differs from the first example", utils.ErrShapeMismatch, i))
		}
		if opts.MaxShardBytes > 0 && cur >= opts.MaxShardBytes {
			if err := openShard(); err != nil {
				return abort(err)
			}
			logrus.WithField("shard", man.Shards[len(man.Shards)-1]).Debug("export: rolled over shard")
		}

		n, err := writeRecord(wData, ex, opts.DType)
		if err != nil {
			return abort(err)
		}
		binary.LittleEndian.PutUint64(buf8, uint64(cur))
		if _, err := wIdx.Write(buf8); err != nil {
			return abort(err)
		}
		binary.LittleEndian.PutUint64(buf8, uint64(n))
		if _, err := wIdx.Write(buf8); err != nil {
			return abort(err)
		}
		cur += n
		man.Records++
	}
	if err := closeShard(); err != nil {
		return abort(err)
	}

	if err := writeManifest(prefix+".manifest.json", man); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"run_id":  man.RunID,
		"records": man.Records,
		"shards":  len(man.Shards),
		"dtype":   man.DType,
	}).Info("export complete")
	return man, nil
}

func exampleMatches(ex Example, m *Manifest) bool {
	want := []int{m.NumPatch, m.Variates, m.PatchLen}
	return ex.Input != nil && ex.Target != nil && ex.Mask != nil &&
		utils.SameShape(ex.Input.Shape, want) &&
		utils.SameShape(ex.Target.Shape, want) &&
		utils.SameShape(ex.Mask.Shape, want[:2])
}

func writeRecord(w io.Writer, ex Example, dt DType) (int64, error) {
	var n int64
	for _, t := range []*utils.Tensor{ex.Input, ex.Target} {
		k, err := writeValues(w, t.Data, dt)
		n += k
		if err != nil {
			return n, err
		}
	}
	bits := make([]byte, len(ex.Mask.Data))
	for i, m := range ex.Mask.Data {
		if m != 0 {
			bits[i] = 1
		}
	}
	k, err := w.Write(bits)
	return n + int64(k), err
}

func writeValues(w io.Writer, vals []float64, dt DType) (int64, error) {
	buf := make([]byte, len(vals)*dt.size())
	for i, v := range vals {
		switch dt {
		case Float16:
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(float32(v)).Bits())
		default:
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	}
	n, err := w.Write(buf)
	return int64(n), err
}

func writeManifest(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadManifest loads <prefix>.manifest.json.
func ReadManifest(prefix string) (*Manifest, error) {
	f, err := os.Open(prefix + ".manifest.json")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// LoadShard decodes every record of one shard written by ExportExamples.
// Values come back at the precision they were stored with.
func LoadShard(dir string, m *Manifest, shard int) ([]Example, error) {
	if shard < 0 || shard >= len(m.Shards) {
		return nil, fmt.Errorf("shard %d out of range (%d shards)", shard, len(m.Shards))
	}
	base := filepath.Join(dir, m.Shards[shard])
	data, err := os.ReadFile(base + ".bin")
	if err != nil {
		return nil, err
	}
	idx, err := os.ReadFile(base + ".idx")
	if err != nil {
		return nil, err
	}
	if len(idx)%16 != 0 {
		return nil, fmt.Errorf("%s.idx: truncated index", base)
	}

	vals := m.NumPatch * m.Variates * m.PatchLen
	cells := m.NumPatch * m.Variates
	size := m.DType.size()
	want := int64(2*vals*size + cells)

	out := make([]Example, 0, len(idx)/16)
	for i := 0; i < len(idx); i += 16 {
		off := int64(binary.LittleEndian.Uint64(idx[i:]))
		n := int64(binary.LittleEndian.Uint64(idx[i+8:]))
		if n != want || off+n > int64(len(data)) {
			return nil, fmt.Errorf("%s: record %d has bad extent (%d,%d)", base, i/16, off, n)
		}
		rec := data[off : off+n]
		in := utils.NewTensor(m.NumPatch, m.Variates, m.PatchLen)
		tg := utils.NewTensor(m.NumPatch, m.Variates, m.PatchLen)
		readValues(rec[:vals*size], in.Data, m.DType)
		readValues(rec[vals*size:2*vals*size], tg.Data, m.DType)
		mk := utils.NewTensor(m.NumPatch, m.Variates)
		for j, bit := range rec[2*vals*size:] {
			mk.Data[j] = float64(bit)
		}
		out = append(out, Example{Input: in, Target: tg, Mask: mk})
	}
	return out, nil
}

func readValues(buf []byte, dst []float64, dt DType) {
	for i := range dst {
		switch dt {
		case Float16:
			dst[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32())
		default:
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	}
}
