package xcom

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	legacyDecodeErrorMessageTemplateConstant = "legacy payload decode failed at offset %d: %s"
	legacyTruncatedMessageConstant           = "payload truncated"
	legacyUnsupportedOpcodeTemplateConstant  = "unsupported opcode 0x%02x"
	legacyStackUnderflowMessageConstant      = "stack underflow"
	legacyMissingMarkMessageConstant         = "mark not found"
	legacyMemoMissingTemplateConstant        = "memo entry %d missing"
	legacyEmptyResultMessageConstant         = "no value produced before stop opcode"
	legacyLongTooWideMessageConstant         = "long value wider than 64 bits"
	legacyTrueIntegerLineConstant            = "01"
	legacyFalseIntegerLineConstant           = "00"
)

// Pickle opcodes understood by the legacy reader. The set covers scalars,
// strings, lists, tuples, and dictionaries for protocols 0 through 2, which is
// the surface historical exchange rows actually used.
const (
	legacyOpcodeProto          byte = 0x80
	legacyOpcodeMark           byte = '('
	legacyOpcodeStop           byte = '.'
	legacyOpcodePop            byte = '0'
	legacyOpcodeNone           byte = 'N'
	legacyOpcodeInt            byte = 'I'
	legacyOpcodeLong           byte = 'L'
	legacyOpcodeFloat          byte = 'F'
	legacyOpcodeString         byte = 'S'
	legacyOpcodeUnicode        byte = 'V'
	legacyOpcodeDict           byte = 'd'
	legacyOpcodeList           byte = 'l'
	legacyOpcodeTuple          byte = 't'
	legacyOpcodeAppend         byte = 'a'
	legacyOpcodeSetItem        byte = 's'
	legacyOpcodePut            byte = 'p'
	legacyOpcodeGet            byte = 'g'
	legacyOpcodeEmptyList      byte = ']'
	legacyOpcodeEmptyDict      byte = '}'
	legacyOpcodeEmptyTuple     byte = ')'
	legacyOpcodeBinInt1        byte = 'K'
	legacyOpcodeBinInt2        byte = 'M'
	legacyOpcodeBinInt         byte = 'J'
	legacyOpcodeShortBinString byte = 'U'
	legacyOpcodeBinString      byte = 'T'
	legacyOpcodeBinUnicode     byte = 'X'
	legacyOpcodeBinFloat       byte = 'G'
	legacyOpcodeBinPut         byte = 'q'
	legacyOpcodeLongBinPut     byte = 'r'
	legacyOpcodeBinGet         byte = 'h'
	legacyOpcodeLongBinGet     byte = 'j'
	legacyOpcodeAppends        byte = 'e'
	legacyOpcodeSetItems       byte = 'u'
	legacyOpcodeNewTrue        byte = 0x88
	legacyOpcodeNewFalse       byte = 0x89
	legacyOpcodeTuple1         byte = 0x85
	legacyOpcodeTuple2         byte = 0x86
	legacyOpcodeTuple3         byte = 0x87
	legacyOpcodeLong1          byte = 0x8a
)

// LegacyDecodeError reports an archived payload the legacy reader cannot
// reconstruct.
type LegacyDecodeError struct {
	Offset int
	Detail string
}

// Error describes the decode failure and its position in the payload.
func (decodeError LegacyDecodeError) Error() string {
	return fmt.Sprintf(legacyDecodeErrorMessageTemplateConstant, decodeError.Offset, decodeError.Detail)
}

type legacyMarkSentinel struct{}

type legacyReader struct {
	payload []byte
	offset  int
	stack   []any
	memo    map[int]any
}

// decodeLegacyPayload reconstructs a value from a pre-invariant pickled
// payload. The reader is intentionally read-only and best effort: opcodes
// outside the historical exchange surface fail rather than guess.
func decodeLegacyPayload(payload []byte) (any, error) {
	reader := &legacyReader{payload: payload, memo: map[int]any{}}
	return reader.run()
}

func (reader *legacyReader) run() (any, error) {
	for {
		opcode, opcodeError := reader.readByte()
		if opcodeError != nil {
			return nil, opcodeError
		}

		switch opcode {
		case legacyOpcodeProto:
			if _, versionError := reader.readByte(); versionError != nil {
				return nil, versionError
			}
		case legacyOpcodeStop:
			return reader.finish()
		case legacyOpcodeMark:
			reader.push(legacyMarkSentinel{})
		case legacyOpcodePop:
			if _, popError := reader.pop(); popError != nil {
				return nil, popError
			}
		case legacyOpcodeNone:
			reader.push(nil)
		case legacyOpcodeNewTrue:
			reader.push(true)
		case legacyOpcodeNewFalse:
			reader.push(false)
		case legacyOpcodeInt:
			if intError := reader.readIntegerLine(); intError != nil {
				return nil, intError
			}
		case legacyOpcodeLong:
			if longError := reader.readLongLine(); longError != nil {
				return nil, longError
			}
		case legacyOpcodeFloat:
			if floatError := reader.readFloatLine(); floatError != nil {
				return nil, floatError
			}
		case legacyOpcodeString:
			if stringError := reader.readStringLine(); stringError != nil {
				return nil, stringError
			}
		case legacyOpcodeUnicode:
			line, lineError := reader.readLine()
			if lineError != nil {
				return nil, lineError
			}
			reader.push(line)
		case legacyOpcodeBinInt1:
			raw, readError := reader.readBytes(1)
			if readError != nil {
				return nil, readError
			}
			reader.push(int64(raw[0]))
		case legacyOpcodeBinInt2:
			raw, readError := reader.readBytes(2)
			if readError != nil {
				return nil, readError
			}
			reader.push(int64(binary.LittleEndian.Uint16(raw)))
		case legacyOpcodeBinInt:
			raw, readError := reader.readBytes(4)
			if readError != nil {
				return nil, readError
			}
			reader.push(int64(int32(binary.LittleEndian.Uint32(raw))))
		case legacyOpcodeLong1:
			if longError := reader.readCompactLong(); longError != nil {
				return nil, longError
			}
		case legacyOpcodeBinFloat:
			raw, readError := reader.readBytes(8)
			if readError != nil {
				return nil, readError
			}
			reader.push(math.Float64frombits(binary.BigEndian.Uint64(raw)))
		case legacyOpcodeShortBinString:
			lengthByte, readError := reader.readByte()
			if readError != nil {
				return nil, readError
			}
			if pushError := reader.pushStringOfLength(int(lengthByte)); pushError != nil {
				return nil, pushError
			}
		case legacyOpcodeBinString:
			raw, readError := reader.readBytes(4)
			if readError != nil {
				return nil, readError
			}
			if pushError := reader.pushStringOfLength(int(binary.LittleEndian.Uint32(raw))); pushError != nil {
				return nil, pushError
			}
		case legacyOpcodeBinUnicode:
			raw, readError := reader.readBytes(4)
			if readError != nil {
				return nil, readError
			}
			if pushError := reader.pushStringOfLength(int(binary.LittleEndian.Uint32(raw))); pushError != nil {
				return nil, pushError
			}
		case legacyOpcodeEmptyList:
			reader.push([]any{})
		case legacyOpcodeEmptyDict:
			reader.push(map[string]any{})
		case legacyOpcodeEmptyTuple:
			reader.push([]any{})
		case legacyOpcodeList, legacyOpcodeTuple:
			items, markError := reader.popToMark()
			if markError != nil {
				return nil, markError
			}
			reader.push(items)
		case legacyOpcodeTuple1:
			if tupleError := reader.buildTuple(1); tupleError != nil {
				return nil, tupleError
			}
		case legacyOpcodeTuple2:
			if tupleError := reader.buildTuple(2); tupleError != nil {
				return nil, tupleError
			}
		case legacyOpcodeTuple3:
			if tupleError := reader.buildTuple(3); tupleError != nil {
				return nil, tupleError
			}
		case legacyOpcodeDict:
			items, markError := reader.popToMark()
			if markError != nil {
				return nil, markError
			}
			dictionary := map[string]any{}
			for itemIndex := 0; itemIndex+1 < len(items); itemIndex += 2 {
				dictionary[legacyDictionaryKey(items[itemIndex])] = items[itemIndex+1]
			}
			reader.push(dictionary)
		case legacyOpcodeAppend:
			if appendError := reader.appendItems(1); appendError != nil {
				return nil, appendError
			}
		case legacyOpcodeAppends:
			items, markError := reader.popToMark()
			if markError != nil {
				return nil, markError
			}
			if appendError := reader.appendCollected(items); appendError != nil {
				return nil, appendError
			}
		case legacyOpcodeSetItem:
			if setError := reader.setItems(2); setError != nil {
				return nil, setError
			}
		case legacyOpcodeSetItems:
			items, markError := reader.popToMark()
			if markError != nil {
				return nil, markError
			}
			if setError := reader.setCollected(items); setError != nil {
				return nil, setError
			}
		case legacyOpcodeBinPut:
			indexByte, readError := reader.readByte()
			if readError != nil {
				return nil, readError
			}
			if memoError := reader.storeMemo(int(indexByte)); memoError != nil {
				return nil, memoError
			}
		case legacyOpcodeLongBinPut:
			raw, readError := reader.readBytes(4)
			if readError != nil {
				return nil, readError
			}
			if memoError := reader.storeMemo(int(binary.LittleEndian.Uint32(raw))); memoError != nil {
				return nil, memoError
			}
		case legacyOpcodePut:
			line, lineError := reader.readLine()
			if lineError != nil {
				return nil, lineError
			}
			memoIndex, parseError := strconv.Atoi(line)
			if parseError != nil {
				return nil, reader.failure(parseError.Error())
			}
			if memoError := reader.storeMemo(memoIndex); memoError != nil {
				return nil, memoError
			}
		case legacyOpcodeBinGet:
			indexByte, readError := reader.readByte()
			if readError != nil {
				return nil, readError
			}
			if memoError := reader.loadMemo(int(indexByte)); memoError != nil {
				return nil, memoError
			}
		case legacyOpcodeLongBinGet:
			raw, readError := reader.readBytes(4)
			if readError != nil {
				return nil, readError
			}
			if memoError := reader.loadMemo(int(binary.LittleEndian.Uint32(raw))); memoError != nil {
				return nil, memoError
			}
		case legacyOpcodeGet:
			line, lineError := reader.readLine()
			if lineError != nil {
				return nil, lineError
			}
			memoIndex, parseError := strconv.Atoi(line)
			if parseError != nil {
				return nil, reader.failure(parseError.Error())
			}
			if memoError := reader.loadMemo(memoIndex); memoError != nil {
				return nil, memoError
			}
		default:
			return nil, reader.failure(fmt.Sprintf(legacyUnsupportedOpcodeTemplateConstant, opcode))
		}
	}
}

func (reader *legacyReader) finish() (any, error) {
	value, popError := reader.pop()
	if popError != nil {
		return nil, reader.failure(legacyEmptyResultMessageConstant)
	}
	return value, nil
}

func (reader *legacyReader) failure(detail string) error {
	return LegacyDecodeError{Offset: reader.offset, Detail: detail}
}

func (reader *legacyReader) readByte() (byte, error) {
	if reader.offset >= len(reader.payload) {
		return 0, reader.failure(legacyTruncatedMessageConstant)
	}
	value := reader.payload[reader.offset]
	reader.offset++
	return value, nil
}

func (reader *legacyReader) readBytes(count int) ([]byte, error) {
	if count < 0 || reader.offset+count > len(reader.payload) {
		return nil, reader.failure(legacyTruncatedMessageConstant)
	}
	raw := reader.payload[reader.offset : reader.offset+count]
	reader.offset += count
	return raw, nil
}

func (reader *legacyReader) readLine() (string, error) {
	start := reader.offset
	for reader.offset < len(reader.payload) {
		if reader.payload[reader.offset] == '\n' {
			line := string(reader.payload[start:reader.offset])
			reader.offset++
			return line, nil
		}
		reader.offset++
	}
	return "", reader.failure(legacyTruncatedMessageConstant)
}

func (reader *legacyReader) readIntegerLine() error {
	line, lineError := reader.readLine()
	if lineError != nil {
		return lineError
	}
	switch line {
	case legacyTrueIntegerLineConstant:
		reader.push(true)
		return nil
	case legacyFalseIntegerLineConstant:
		reader.push(false)
		return nil
	}
	parsed, parseError := strconv.ParseInt(line, 10, 64)
	if parseError != nil {
		return reader.failure(parseError.Error())
	}
	reader.push(parsed)
	return nil
}

func (reader *legacyReader) readLongLine() error {
	line, lineError := reader.readLine()
	if lineError != nil {
		return lineError
	}
	parsed, parseError := strconv.ParseInt(strings.TrimSuffix(line, "L"), 10, 64)
	if parseError != nil {
		return reader.failure(parseError.Error())
	}
	reader.push(parsed)
	return nil
}

func (reader *legacyReader) readFloatLine() error {
	line, lineError := reader.readLine()
	if lineError != nil {
		return lineError
	}
	parsed, parseError := strconv.ParseFloat(line, 64)
	if parseError != nil {
		return reader.failure(parseError.Error())
	}
	reader.push(parsed)
	return nil
}

func (reader *legacyReader) readStringLine() error {
	line, lineError := reader.readLine()
	if lineError != nil {
		return lineError
	}
	unquoted, unquoteError := strconv.Unquote(strings.ReplaceAll(line, "'", "\""))
	if unquoteError != nil {
		return reader.failure(unquoteError.Error())
	}
	reader.push(unquoted)
	return nil
}

func (reader *legacyReader) readCompactLong() error {
	lengthByte, readError := reader.readByte()
	if readError != nil {
		return readError
	}
	raw, rawError := reader.readBytes(int(lengthByte))
	if rawError != nil {
		return rawError
	}
	if len(raw) > 8 {
		return reader.failure(legacyLongTooWideMessageConstant)
	}
	var value int64
	for byteIndex := len(raw) - 1; byteIndex >= 0; byteIndex-- {
		value = value<<8 | int64(raw[byteIndex])
	}
	if len(raw) > 0 && raw[len(raw)-1]&0x80 != 0 && len(raw) < 8 {
		value -= int64(1) << uint(8*len(raw))
	}
	reader.push(value)
	return nil
}

func (reader *legacyReader) pushStringOfLength(length int) error {
	raw, readError := reader.readBytes(length)
	if readError != nil {
		return readError
	}
	reader.push(string(raw))
	return nil
}

func (reader *legacyReader) push(value any) {
	reader.stack = append(reader.stack, value)
}

func (reader *legacyReader) pop() (any, error) {
	if len(reader.stack) == 0 {
		return nil, reader.failure(legacyStackUnderflowMessageConstant)
	}
	value := reader.stack[len(reader.stack)-1]
	reader.stack = reader.stack[:len(reader.stack)-1]
	return value, nil
}

func (reader *legacyReader) popToMark() ([]any, error) {
	for stackIndex := len(reader.stack) - 1; stackIndex >= 0; stackIndex-- {
		if _, isMark := reader.stack[stackIndex].(legacyMarkSentinel); !isMark {
			continue
		}
		items := append([]any{}, reader.stack[stackIndex+1:]...)
		reader.stack = reader.stack[:stackIndex]
		return items, nil
	}
	return nil, reader.failure(legacyMissingMarkMessageConstant)
}

func (reader *legacyReader) buildTuple(size int) error {
	if len(reader.stack) < size {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	items := append([]any{}, reader.stack[len(reader.stack)-size:]...)
	reader.stack = reader.stack[:len(reader.stack)-size]
	reader.push(items)
	return nil
}

func (reader *legacyReader) appendItems(count int) error {
	if len(reader.stack) < count+1 {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	items := append([]any{}, reader.stack[len(reader.stack)-count:]...)
	reader.stack = reader.stack[:len(reader.stack)-count]
	return reader.appendCollected(items)
}

func (reader *legacyReader) appendCollected(items []any) error {
	target, popError := reader.pop()
	if popError != nil {
		return popError
	}
	list, isList := target.([]any)
	if !isList {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	reader.push(append(list, items...))
	return nil
}

func (reader *legacyReader) setItems(count int) error {
	if len(reader.stack) < count+1 {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	items := append([]any{}, reader.stack[len(reader.stack)-count:]...)
	reader.stack = reader.stack[:len(reader.stack)-count]
	return reader.setCollected(items)
}

func (reader *legacyReader) setCollected(items []any) error {
	target, popError := reader.pop()
	if popError != nil {
		return popError
	}
	dictionary, isDictionary := target.(map[string]any)
	if !isDictionary {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	for itemIndex := 0; itemIndex+1 < len(items); itemIndex += 2 {
		dictionary[legacyDictionaryKey(items[itemIndex])] = items[itemIndex+1]
	}
	reader.push(dictionary)
	return nil
}

func (reader *legacyReader) storeMemo(memoIndex int) error {
	if len(reader.stack) == 0 {
		return reader.failure(legacyStackUnderflowMessageConstant)
	}
	reader.memo[memoIndex] = reader.stack[len(reader.stack)-1]
	return nil
}

func (reader *legacyReader) loadMemo(memoIndex int) error {
	value, exists := reader.memo[memoIndex]
	if !exists {
		return reader.failure(fmt.Sprintf(legacyMemoMissingTemplateConstant, memoIndex))
	}
	reader.push(value)
	return nil
}

func legacyDictionaryKey(key any) string {
	if text, isText := key.(string); isText {
		return text
	}
	return fmt.Sprintf("%v", key)
}
