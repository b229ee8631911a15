package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

const (
	FormatNone    = "none"
	FormatCSV     = "csv"
	FormatCSVZstd = "csv.zst"
	FormatProto   = "pb.zst"

	SummaryFile = "summary.json"
)

// Writer stores frames in one of the export formats.
type Writer struct {
	Format string
}

func (w Writer) path(dir string, f *Frame) string {
	return filepath.Join(dir, f.Name+"."+w.Format)
}

// WriteAll writes every frame into dir and returns the written paths.
func (w Writer) WriteAll(dir string, frames []*Frame) ([]string, error) {
	if w.Format == FormatNone || w.Format == "" {
		return nil, nil
	}
	var written []string
	for _, f := range frames {
		path := w.path(dir, f)
		if err := w.write(path, f); err != nil {
			return written, fmt.Errorf("export %s: %w", path, err)
		}
		klog.V(2).Infof("Exported %d rows to %s", len(f.Rows), path)
		written = append(written, path)
	}
	return written, nil
}

func (w Writer) write(path string, f *Frame) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	switch w.Format {
	case FormatCSV:
		return WriteCSV(out, f)
	case FormatCSVZstd, FormatProto:
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return err
		}
		if w.Format == FormatCSVZstd {
			err = WriteCSV(enc, f)
		} else {
			err = WriteProto(enc, f)
		}
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		return err
	default:
		return fmt.Errorf("unknown export format %q", w.Format)
	}
}

func cell(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns); err != nil {
		return err
	}
	record := make([]string, len(f.Columns))
	for _, row := range f.Rows {
		for i, v := range row {
			record[i] = cell(v)
		}
		if err := cw.Write(record[:len(row)]); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteProto writes a header message listing the columns, followed by
// one length-delimited struct per row.
func WriteProto(w io.Writer, f *Frame) error {
	cols := make([]any, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = c
	}
	header, err := structpb.NewStruct(map[string]any{"frame": f.Name, "columns": cols})
	if err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(w, header); err != nil {
		return err
	}
	for _, row := range f.Rows {
		fields := make(map[string]any, len(row))
		for i, v := range row {
			fields[f.Columns[i]] = v
		}
		msg, err := structpb.NewStruct(fields)
		if err != nil {
			return err
		}
		if _, err := protodelim.MarshalTo(w, msg); err != nil {
			return err
		}
	}
	return nil
}

// ReadProto reads a frame written by WriteProto. Numeric cells are
// returned as float64.
func ReadProto(r io.Reader) (*Frame, error) {
	br := bufio.NewReader(r)
	header := &structpb.Struct{}
	if err := protodelim.UnmarshalFrom(br, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	f := &Frame{Name: header.Fields["frame"].GetStringValue()}
	for _, c := range header.Fields["columns"].GetListValue().GetValues() {
		f.Columns = append(f.Columns, c.GetStringValue())
	}
	for {
		msg := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(br, msg)
		if errors.Is(err, io.EOF) {
			return f, nil
		}
		if err != nil {
			return nil, err
		}
		row := make([]any, len(f.Columns))
		for i, c := range f.Columns {
			row[i] = msg.Fields[c].AsInterface()
		}
		f.Rows = append(f.Rows, row)
	}
}

// ReadFile reads a frame exported in the pb.zst format.
func ReadFile(path string) (*Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return ReadProto(dec)
}

func WriteSummary(dir string, s testcase.Summary) (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, SummaryFile)
	return path, os.WriteFile(path, append(b, '\n'), 0o644)
}

func ReadSummary(path string) (testcase.Summary, error) {
	var s testcase.Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal(b, &s)
}
