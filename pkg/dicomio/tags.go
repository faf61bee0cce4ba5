package dicomio

import "github.com/GoogleCloudPlatform/go-dicom-parser/dicom"

// Tags read by the converter, as (group,element).
const (
	ModalityTag                  dicom.DataElementTag = 0x00080060 // (0008,0060) CS
	SliceThicknessTag            dicom.DataElementTag = 0x00180050 // (0018,0050) DS
	SpacingBetweenSlicesTag      dicom.DataElementTag = 0x00180088 // (0018,0088) DS
	SeriesInstanceUIDTag         dicom.DataElementTag = 0x0020000E // (0020,000E) UI
	InstanceNumberTag            dicom.DataElementTag = 0x00200013 // (0020,0013) IS
	ImagePositionPatientTag      dicom.DataElementTag = 0x00200032 // (0020,0032) DS
	ImageOrientationPatientTag   dicom.DataElementTag = 0x00200037 // (0020,0037) DS
	SliceLocationTag             dicom.DataElementTag = 0x00201041 // (0020,1041) DS
	SamplesPerPixelTag           dicom.DataElementTag = 0x00280002 // (0028,0002) US
	PhotometricInterpretationTag dicom.DataElementTag = 0x00280004 // (0028,0004) CS
	PlanarConfigurationTag       dicom.DataElementTag = 0x00280006 // (0028,0006) US
	NumberOfFramesTag            dicom.DataElementTag = 0x00280008 // (0028,0008) IS
	RowsTag                      dicom.DataElementTag = 0x00280010 // (0028,0010) US
	ColumnsTag                   dicom.DataElementTag = 0x00280011 // (0028,0011) US
	PixelSpacingTag              dicom.DataElementTag = 0x00280030 // (0028,0030) DS
	BitsAllocatedTag             dicom.DataElementTag = 0x00280100 // (0028,0100) US
	BitsStoredTag                dicom.DataElementTag = 0x00280101 // (0028,0101) US
	PixelRepresentationTag       dicom.DataElementTag = 0x00280103 // (0028,0103) US
	RescaleInterceptTag          dicom.DataElementTag = 0x00281052 // (0028,1052) DS
	RescaleSlopeTag              dicom.DataElementTag = 0x00281053 // (0028,1053) DS
)

// Transfer syntaxes whose pixel data is stored uncompressed.
var nativeSyntaxes = map[string]bool{
	dicom.ImplicitVRLittleEndianUID:         true,
	dicom.ExplicitVRLittleEndianUID:         true,
	dicom.ExplicitVRBigEndianUID:            true,
	dicom.DeflatedExplicitVRLittleEndianUID: true,
}

// Encapsulated JPEG transfer syntaxes decodable with image/jpeg.
var jpegBaselineSyntaxes = map[string]bool{
	dicom.JPEGBaselineUID:    true,
	"1.2.840.10008.1.2.4.51": true, // JPEG Extended (Process 2 & 4), 8-bit frames
}

// Compressed transfer syntaxes that are recognised but not decoded.
var undecodedSyntaxes = map[string]string{
	"1.2.840.10008.1.2.4.57": "JPEG Lossless",
	"1.2.840.10008.1.2.4.70": "JPEG Lossless SV1",
	"1.2.840.10008.1.2.4.80": "JPEG-LS Lossless",
	"1.2.840.10008.1.2.4.81": "JPEG-LS Near-Lossless",
	"1.2.840.10008.1.2.4.90": "JPEG 2000 Lossless",
	"1.2.840.10008.1.2.4.91": "JPEG 2000",
	"1.2.840.10008.1.2.5":    "RLE Lossless",
}

// Decodable reports whether ReadImage can decode pixel data stored with the
// transfer syntax uid. A missing syntax is read as native.
func Decodable(uid string) bool {
	return uid == "" || nativeSyntaxes[uid] || jpegBaselineSyntaxes[uid]
}

// SyntaxName describes a transfer syntax UID for messages.
func SyntaxName(uid string) string {
	if name, ok := undecodedSyntaxes[uid]; ok {
		return name + " (" + uid + ")"
	}
	return uid
}
