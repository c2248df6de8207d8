package artifacts

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
)

// Form is a decoded multipart/form-data upload held in memory.
type Form struct {
	values map[string][]string
	files  map[string][]*File
}

// File is one file part of a [Form].
type File struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// ParseForm decodes a multipart/form-data request body.
//
// Parts with a filename are files, and all others are plain values.
func ParseForm(contentType string, body []byte) (*Form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, Malformed("request must be multipart/form-data")
	}

	form := &Form{
		values: make(map[string][]string),
		files:  make(map[string][]*File),
	}
	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Malformed("invalid multipart body: %s", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, Malformed("invalid multipart body: %s", err)
		}
		name := part.FormName()
		if filename := rawFileName(part); filename != "" {
			form.files[name] = append(form.files[name], &File{
				Field:       name,
				Filename:    filename,
				ContentType: part.Header.Get("Content-Type"),
				Data:        data,
			})
		} else {
			form.values[name] = append(form.values[name], string(data))
		}
	}
	return form, nil
}

// rawFileName returns the filename parameter of a part's Content-Disposition
// exactly as the client sent it. [multipart.Part.FileName] strips any
// directory, which would hide names that must be rejected.
func rawFileName(part *multipart.Part) string {
	disposition, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil || disposition != "form-data" {
		return ""
	}
	return params["filename"]
}

// Value returns the first value of the given field, or an empty string.
func (f *Form) Value(name string) string {
	if vs := f.values[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has returns true if the form has at least one plain value for the given
// field, even if it is empty.
func (f *Form) Has(name string) bool {
	return len(f.values[name]) > 0
}

// Files returns every file uploaded in the given field.
func (f *Form) Files(name string) []*File {
	return f.files[name]
}
