package project

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"io/fs"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// DecodeArchive unpacks a compressed project upload into ExtractMembers,
// enforcing the extraction bounds and link rules as it decodes: symbolic
// and hard links are rejected with "symlink-present", device/fifo and other
// non-regular entries with "unsupported-format", and size/count overruns
// with "oversize" / "too-many-files" before the offending bytes are even
// buffered. Supported formats: "zip", "tar.gz" (alias "tgz").
func DecodeArchive(raw []byte, format string, limits Limits) ([]ExtractMember, error) {
	switch format {
	case "zip":
		return decodeZip(raw, limits)
	case "tar.gz", "tgz":
		return decodeTarGz(raw, limits)
	default:
		return nil, taskerr.New(taskerr.KindValidation, "unsupported-format")
	}
}

// IngestArchive decodes raw and ingests its members into projectID's draft
// prefix. Nothing is written unless the whole archive decodes cleanly.
func (s *Service) IngestArchive(ctx context.Context, projectID string, raw []byte, format string) error {
	members, err := DecodeArchive(raw, format, s.limits)
	if err != nil {
		return err
	}
	return s.Ingest(ctx, projectID, members)
}

func decodeZip(raw []byte, limits Limits) ([]ExtractMember, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
	}

	var members []ExtractMember
	var total int64
	for _, f := range zr.File {
		mode := f.Mode()
		if mode.IsDir() {
			continue
		}
		if mode&fs.ModeSymlink != 0 {
			return nil, taskerr.New(taskerr.KindValidation, "symlink-present")
		}
		if !mode.IsRegular() {
			return nil, taskerr.New(taskerr.KindValidation, "unsupported-format")
		}
		if len(members) >= limits.MaxExtractFiles {
			return nil, taskerr.New(taskerr.KindValidation, "too-many-files")
		}

		rc, err := f.Open()
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
		}
		// Read at most one byte past the remaining budget so a lying
		// header cannot smuggle an oversize member through.
		data, err := io.ReadAll(io.LimitReader(rc, limits.MaxExtractSize-total+1))
		rc.Close()
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
		}
		total += int64(len(data))
		if total > limits.MaxExtractSize {
			return nil, taskerr.New(taskerr.KindValidation, "oversize")
		}
		members = append(members, ExtractMember{Path: f.Name, Data: data, Mode: mode})
	}
	return members, nil
}

func decodeTarGz(raw []byte, limits Limits) ([]ExtractMember, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var members []ExtractMember
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeSymlink, tar.TypeLink:
			return nil, taskerr.New(taskerr.KindValidation, "symlink-present")
		case tar.TypeReg:
		default:
			return nil, taskerr.New(taskerr.KindValidation, "unsupported-format")
		}
		if len(members) >= limits.MaxExtractFiles {
			return nil, taskerr.New(taskerr.KindValidation, "too-many-files")
		}

		data, err := io.ReadAll(io.LimitReader(tr, limits.MaxExtractSize-total+1))
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, "unsupported-format", err)
		}
		total += int64(len(data))
		if total > limits.MaxExtractSize {
			return nil, taskerr.New(taskerr.KindValidation, "oversize")
		}
		members = append(members, ExtractMember{Path: hdr.Name, Data: data, Mode: hdr.FileInfo().Mode()})
	}
	return members, nil
}
