/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type Message struct {
	Version             uint16 `json:"version,omitempty" yaml:"version,omitempty"`
	Length              uint16 `json:"length,omitempty" yaml:"length,omitempty"`
	ExportTime          uint32 `json:"export_time,omitempty" yaml:"exportTime,omitempty"`
	SequenceNumber      uint32 `json:"sequence_number,omitempty" yaml:"sequenceNumber,omitempty"`
	ObservationDomainId uint32 `json:"observation_domain_id,omitempty" yaml:"observationDomainId,omitempty"`
	Sets                []Set  `json:"sets,omitempty" yaml:"sets,omitempty"`
}

func (p *Message) String() string {
	s := make([]string, 0, len(p.Sets))
	for _, set := range p.Sets {
		s = append(s, set.String())
	}
	return fmt.Sprintf("{version:%d length:%d exportTime:%d sequenceNumber:%d observationDomainId:%d sets:%v}",
		p.Version,
		p.Length,
		p.ExportTime,
		p.SequenceNumber,
		p.ObservationDomainId,
		s,
	)
}

// messageHeaderLength is the wire size of the IPFIX message header (RFC 7011 section 3.1).
const messageHeaderLength = 16

func (p *Message) Encode(w io.Writer) (int, error) {
	// Sets must be encoded first so their (possibly padded) length is known
	// before the message header, which carries the total message length, is written.
	var body bytes.Buffer
	for i := range p.Sets {
		if _, err := p.Sets[i].Encode(&body); err != nil {
			return 0, err
		}
	}

	p.Length = uint16(messageHeaderLength + body.Len())

	b := make([]byte, 0, messageHeaderLength)

	// packet header
	b = binary.BigEndian.AppendUint16(b, uint16(p.Version))
	b = binary.BigEndian.AppendUint16(b, p.Length)
	b = binary.BigEndian.AppendUint32(b, p.ExportTime)
	b = binary.BigEndian.AppendUint32(b, p.SequenceNumber)
	b = binary.BigEndian.AppendUint32(b, p.ObservationDomainId)

	nh, err := w.Write(b)
	if err != nil {
		return nh, err
	}

	nb, err := w.Write(body.Bytes())
	return nh + nb, err
}

func (p *Message) Decode(r io.Reader) (int, error) {
	var carry int = 0
	var shortbuf []byte = make([]byte, 2)
	var longbuf []byte = make([]byte, 4)

	n, err := r.Read(shortbuf)
	carry += n
	if err != nil {
		return carry, err
	}
	p.Version = binary.BigEndian.Uint16(shortbuf)

	if p.Version != 10 {
		return carry, UnknownVersion(p.Version)
	}

	n, err = r.Read(shortbuf)
	carry += n
	if err != nil {
		return 0, err
	}
	p.Length = binary.BigEndian.Uint16(shortbuf)

	if p.Length == 0 {
		return carry, ErrEmptyMessage
	}

	n, err = r.Read(longbuf)
	carry += n
	if err != nil {
		return carry, err
	}
	p.ExportTime = binary.BigEndian.Uint32(longbuf)

	n, err = r.Read(longbuf)
	carry += n
	if err != nil {
		return carry, err
	}
	p.SequenceNumber = binary.BigEndian.Uint32(longbuf)

	n, err = r.Read(longbuf)
	carry += n
	if err != nil {
		return carry, err
	}
	p.ObservationDomainId = binary.BigEndian.Uint32(longbuf)

	return carry, nil
}
