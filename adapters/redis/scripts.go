package redis

import "github.com/redis/go-redis/v9"

// sequencedAddScript 只在序號比上一次寫入的更新時才寫入 stream
//
//	KEYS[1] - stream
//	KEYS[2] - 記錄最後序號的鍵
//	ARGV[1] - 序號
//	ARGV[2] - stream 最大長度(0 表示不限制)
//	ARGV[3..] - 訊息欄位與值
//
// 返回值:
//
//	訊息 ID - 寫入成功
//	0 - 序號過舊，訊息被丟棄
var sequencedAddScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local last = tonumber(redis.call('GET', KEYS[2])) or 0
if seq <= last then
    return 0
end
redis.call('SET', KEYS[2], ARGV[1])

local args = {KEYS[1]}
local maxlen = tonumber(ARGV[2])
if maxlen > 0 then
    table.insert(args, 'MAXLEN')
    table.insert(args, '~')
    table.insert(args, ARGV[2])
end
table.insert(args, '*')
for i = 3, #ARGV do
    table.insert(args, ARGV[i])
end
return redis.call('XADD', unpack(args))
`)
