package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/pkg/errors"

	"github.com/weftml/weft/devices"
	"github.com/weftml/weft/types/shapes"
)

// GobSerialize writes the tensor to the encoder in its persisted form: the
// shape (dtype and extents) followed by the dense row-major contents.
// Striding, offset and broadcast never survive serialization: the logical
// elements are gathered and written densely, so a transposed view and its
// dense clone serialize identically.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	t.AssertValid()
	if err = t.shape.GobSerialize(encoder); err != nil {
		return err
	}
	if t.shape.IsDense() {
		t.ReadOnly(nil, func(flat any) {
			err = encoder.Encode(flat)
		})
	} else {
		err = encoder.Encode(t.denseValue().Interface())
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to write tensor data")
	}
	return
}

// GobDeserialize reads a tensor from the decoder, onto dev. The result is
// always dense, with strides reconstructed from the decoded extents; the
// decoded slice is adopted as the tensor's contents without copying.
func GobDeserialize(dev devices.Device, decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, err
	}
	flatV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	if err = decoder.DecodeValue(flatV); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data")
	}
	flat := flatV.Elem()
	if flat.Len() != shape.Size() {
		return nil, errors.Errorf("serialized tensor holds %d values, but its shape %s requires %d",
			flat.Len(), shape, shape.Size())
	}
	t = FromShape(dev, shape)
	t.storage.adopted = flat.Interface()
	return t, nil
}

// Save the tensor to the given file path, in gob format.
func (t *Tensor) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating file %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = t.GobSerialize(enc); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving tensor to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the given file path, onto dev.
func Load(dev devices.Device, filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening file %q to load tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t, err := GobDeserialize(dev, dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading tensor from %q", filePath)
	}
	return t, nil
}
