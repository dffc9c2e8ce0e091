package dispatch

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/store"
)

// writeMultipartImages streams one or more artifacts as a multi-part
// response: a leading "metadata" JSON part followed by one binary part
// per artifact id, mirroring the shape the original client decodes with
// requests_toolbelt's MultipartDecoder. mime/multipart is the only
// multipart implementation present anywhere in the retrieved corpus (the
// original's requests_toolbelt has no Go analogue in it), so this is the
// one place the dispatcher reaches past the pack's libraries to the
// standard library.
func writeMultipartImages(w http.ResponseWriter, artifacts *store.Store, kind store.Kind, metadata any, ids ...string) error {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	defer mw.Close()

	metaPart, err := mw.CreateFormField("metadata")
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "creating metadata part", err)
	}
	if err := writeJSONTo(metaPart, metadata); err != nil {
		return err
	}

	for _, id := range ids {
		part, err := mw.CreateFormFile("image", id)
		if err != nil {
			return apierr.Wrap(apierr.ServerError, "creating image part", err)
		}
		if err := artifacts.CopyInto(part, kind, id); err != nil {
			return err
		}
	}
	return nil
}

// writeMultipartImagesMixed is writeMultipartImages generalised to a
// per-artifact kind, for the mark-task images route where the original
// page(s), an annotated image, and an annotation record travel together.
func writeMultipartImagesMixed(w http.ResponseWriter, artifacts *store.Store, metadata any, ids []string, kinds []store.Kind) error {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	defer mw.Close()

	metaPart, err := mw.CreateFormField("metadata")
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "creating metadata part", err)
	}
	if err := writeJSONTo(metaPart, metadata); err != nil {
		return err
	}

	for i, id := range ids {
		part, err := mw.CreateFormFile(string(kinds[i]), id)
		if err != nil {
			return apierr.Wrap(apierr.ServerError, "creating image part", err)
		}
		if err := artifacts.CopyInto(part, kinds[i], id); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalControl(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Wrap(apierr.BadRequest, "decoding control part", err)
	}
	return nil
}

// readMultipartMarkReturn parses a return_mark upload: a "control" JSON
// field plus "annotated" and "record" binary parts.
type markReturnUpload struct {
	Control         []byte
	AnnotatedImage  []byte
	AnnotationRecord []byte
}

func readMultipartMarkReturn(r *http.Request) (markReturnUpload, error) {
	var out markReturnUpload
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return out, apierr.Wrap(apierr.BadRequest, "parsing multipart upload", err)
	}
	if vals := r.MultipartForm.Value["control"]; len(vals) == 1 {
		out.Control = []byte(vals[0])
	} else {
		return out, apierr.New(apierr.BadRequest, "missing control part")
	}
	if err := readFormFile(r, "annotated", &out.AnnotatedImage); err != nil {
		return out, err
	}
	if err := readFormFile(r, "record", &out.AnnotationRecord); err != nil {
		return out, err
	}
	return out, nil
}

func readFormFile(r *http.Request, field string, into *[]byte) error {
	files := r.MultipartForm.File[field]
	if len(files) != 1 {
		return apierr.New(apierr.BadRequest, "missing "+field+" part")
	}
	f, err := files[0].Open()
	if err != nil {
		return apierr.Wrap(apierr.BadRequest, "opening "+field+" part", err)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return apierr.Wrap(apierr.BadRequest, "reading "+field+" part", err)
	}
	*into = buf
	return nil
}

func writeJSONTo(w interface{ Write([]byte) (int, error) }, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling metadata part", err)
	}
	if _, err := w.Write(b); err != nil {
		return apierr.Wrap(apierr.ServerError, "writing metadata part", err)
	}
	return nil
}
