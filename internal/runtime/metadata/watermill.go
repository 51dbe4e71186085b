package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// ToWatermill converts Metadata into the Watermill representation.
func ToWatermill(md Metadata) message.Metadata {
	converted := make(message.Metadata, len(md))
	for k, v := range md {
		converted[k] = v
	}
	return converted
}

// FromWatermill converts Watermill metadata into the runtime representation.
func FromWatermill(md message.Metadata) Metadata {
	converted := make(Metadata, len(md))
	for k, v := range md {
		converted[k] = v
	}
	return converted
}
