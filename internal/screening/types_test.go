package screening

import (
	"errors"
	"testing"
)

func TestConstraintsCheck(t *testing.T) {
	c := DefaultConstraints()

	tests := []struct {
		name string
		img  SourceImage
		want error
	}{
		{"jpeg", SourceImage{ContentType: "image/jpeg", Data: []byte{1}}, nil},
		{"jpg alias", SourceImage{ContentType: "image/jpg", Data: []byte{1}}, nil},
		{"png with params", SourceImage{ContentType: "image/png; charset=binary", Data: []byte{1}}, nil},
		{"upper case", SourceImage{ContentType: "IMAGE/PNG", Data: []byte{1}}, nil},
		{"gif", SourceImage{ContentType: "image/gif", Data: []byte{1}}, ErrUnsupportedFormat},
		{"empty type", SourceImage{Data: []byte{1}}, ErrUnsupportedFormat},
		{"oversized", SourceImage{ContentType: "image/png", Data: make([]byte, MaxFileSize+1)}, ErrSizeLimit},
		{"exactly max", SourceImage{ContentType: "image/png", Data: make([]byte, MaxFileSize)}, nil},
		{"oversized gif", SourceImage{ContentType: "image/gif", Data: make([]byte, MaxFileSize+1)}, ErrSizeLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(tt.img)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestServerErrorIs(t *testing.T) {
	var err error = &ServerError{Status: 500, Message: "boom"}
	if !errors.Is(err, ErrServer) {
		t.Error("Expected ServerError to match ErrServer")
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Errorf("Expected status 500, got %+v", se)
	}
}

func TestIsInputError(t *testing.T) {
	if !IsInputError(ErrDecode) || !IsInputError(ErrSizeLimit) || !IsInputError(ErrUnsupportedFormat) {
		t.Error("Expected validation errors to be input errors")
	}
	if IsInputError(ErrNetwork) || IsInputError(ErrInference) {
		t.Error("Expected runtime errors not to be input errors")
	}
}
