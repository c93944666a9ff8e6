package errors

import (
	"errors"
	"reflect"
	"testing"
)

func TestCast(t *testing.T) {
	type args struct {
		err error
	}
	tests := []struct {
		name   string
		args   args
		want   Error
		wantOK bool
	}{
		{
			name: "with rich error",
			args: args{
				err: Error{
					Code:    ErrUSB,
					Err:     nil,
					Message: "device vanished",
				},
			},
			want: Error{
				Code:    ErrUSB,
				Err:     nil,
				Message: "device vanished",
			},
			wantOK: true,
		},
		{
			name: "with rich error and original error",
			args: args{
				err: Error{
					Code:    ErrCommunication,
					Err:     errors.New("i am an error"),
					Message: "listen failed",
				},
			},
			want: Error{
				Code:    ErrCommunication,
				Err:     errors.New("i am an error"),
				Message: "listen failed",
			},
			wantOK: true,
		},
		{
			name: "with nil error",
			args: args{
				err: nil,
			},
			want: Error{
				Code:    ErrUnexpected,
				Err:     nil,
				Message: "unknown operation",
				Details: make(Details),
			},
			wantOK: false,
		},
		{
			name: "with simple error",
			args: args{
				err: errors.New("i am an error"),
			},
			want: Error{
				Code:    ErrUnexpected,
				Err:     errors.New("i am an error"),
				Message: "unknown operation",
				Details: make(Details),
			},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := Cast(tt.args.err); !reflect.DeepEqual(got, tt.want) || ok != tt.wantOK {
				t.Errorf("Cast() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	type args struct {
		err     error
		message string
		details Details
	}
	tests := []struct {
		name string
		args args
		want Error
	}{
		{
			name: "wrap rich error",
			args: args{
				err: Error{
					Code:    ErrUSB,
					Message: "open device",
				},
				message: "attach",
			},
			want: Error{
				Code:    ErrUSB,
				Message: "attach: open device",
			},
		},
		{
			name: "wrap simple error",
			args: args{
				err:     errors.New("boom"),
				message: "attach",
			},
			want: Error{
				Code:    ErrUnexpected,
				Err:     errors.New("boom"),
				Message: "attach",
				Details: make(Details),
			},
		},
		{
			name: "wrap with new details",
			args: args{
				err: Error{
					Code:    ErrUSB,
					Message: "open device",
				},
				message: "attach",
				details: Details{"bus": 1},
			},
			want: Error{
				Code:    ErrUSB,
				Message: "attach: open device",
				Details: Details{"bus": 1},
			},
		},
		{
			name: "wrap with conflicting details",
			args: args{
				err: Error{
					Code:    ErrUSB,
					Message: "open device",
					Details: Details{"bus": 1},
				},
				message: "attach",
				details: Details{"bus": 2},
			},
			want: Error{
				Code:    ErrUSB,
				Message: "attach: open device",
				Details: Details{"bus": 2, "_bus": 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Wrap(tt.args.err, tt.args.message, tt.args.details); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Wrap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromErr(t *testing.T) {
	orig := errors.New("boom")
	got := FromErr("pump events", ErrUSB, orig, Details{"attempt": 3})
	want := Error{
		Code:    ErrUSB,
		Err:     orig,
		Message: "pump events",
		Details: Details{"attempt": 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FromErr() = %v, want %v", got, want)
	}
}
