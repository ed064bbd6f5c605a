package dashboard

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Bike Detection Dashboard</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <script src="https://cdn.jsdelivr.net/npm/chart.js@4.4.1/dist/chart.umd.min.js"></script>
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #f4f5f7; color: #222; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 22px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #ddd; font-size: 13px; }
        .badge.ok { background: #d4edda; color: #155724; }
        .badge.err { background: #f8d7da; color: #721c24; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #fff; border-radius: 8px; padding: 16px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        .controls { display: flex; flex-wrap: wrap; gap: 8px; margin-bottom: 12px; }
        button, .file-label { padding: 8px 14px; border: 0; border-radius: 6px; background: #2563eb; color: #fff; cursor: pointer; font-size: 14px; }
        button:disabled, .file-label.disabled { background: #9ca3af; cursor: not-allowed; }
        button.secondary { background: #6b7280; }
        #file-input { display: none; }
        #stream { width: 100%; height: auto; background: #222; display: block; }
        .count { font-size: 48px; font-weight: 700; }
        .history { list-style: none; padding: 0; margin: 0; }
        .history li { display: flex; justify-content: space-between; padding: 6px 0; border-bottom: 1px solid #eee; }
        .exports a { margin-right: 10px; }
        @media (max-width: 800px) { .grid { grid-template-columns: 1fr; } }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Bike Detection Dashboard</div>
            <span class="badge" id="status-badge">Loading model...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <div class="controls">
                    <button type="button" id="btn-camera" disabled>Use Camera</button>
                    <label class="file-label disabled" id="upload-label" for="file-input">Upload Image/Video</label>
                    <input type="file" id="file-input" accept="image/*,video/*" disabled>
                    <button type="button" id="btn-toggle" disabled>Start Detection</button>
                    <button type="button" id="btn-reset" class="secondary">Reset</button>
                </div>
                <img id="stream" src="/stream" alt="Frame with detections">
                <p id="source-info"></p>
            </div>

            <div class="panel">
                <h2>Current Count</h2>
                <div class="count" id="count">0</div>
                <p id="latency"></p>
                <h2>Detection History</h2>
                <ul class="history" id="history"></ul>
                <div class="exports">
                    <a href="/api/export/report">PDF report</a>
                    <a href="/api/export/data">Excel data</a>
                    <a href="/api/export/csv">CSV</a>
                </div>
            </div>

            <div class="panel" style="grid-column: 1 / -1;">
                <h2>Detection Trend</h2>
                <canvas id="chart" height="90"></canvas>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);
        let chart = null;
        let processing = false;

        async function call(path, options) {
            const res = await fetch(path, Object.assign({ method: 'POST' }, options || {}));
            const body = await res.json().catch(() => ({}));
            if (!res.ok) {
                console.error(path, body.error || res.status);
                $('status-badge').textContent = body.error || ('Request failed: ' + res.status);
                $('status-badge').className = 'badge err';
                throw new Error(body.error || res.status);
            }
            return body;
        }

        function renderStatus(s) {
            const badge = $('status-badge');
            badge.textContent = s.status;
            badge.className = 'badge ' + (s.model === 'failed' ? 'err' : (s.model === 'ready' ? 'ok' : ''));
            $('count').textContent = s.count;
            processing = s.processing;
            $('btn-camera').disabled = !s.can_select;
            $('file-input').disabled = !s.can_select;
            $('upload-label').className = 'file-label' + (s.can_select ? '' : ' disabled');
            $('btn-toggle').disabled = !(s.can_start || s.processing);
            $('btn-toggle').textContent = s.processing ? 'Stop Detection' : 'Start Detection';
            $('source-info').textContent = s.source ? ('Source: ' + s.source + (s.source_name ? ' (' + s.source_name + ')' : '')) : '';
        }

        function renderHistory(h) {
            const list = $('history');
            list.innerHTML = '';
            for (const item of h.items) {
                const li = document.createElement('li');
                const ts = document.createElement('span');
                ts.textContent = item.timestamp;
                const n = document.createElement('strong');
                n.textContent = item.count;
                li.append(ts, n);
                list.appendChild(li);
            }
            if (!chart) {
                chart = new Chart($('chart'), {
                    type: 'line',
                    data: { labels: [], datasets: [{ label: 'Bike count', data: [], borderColor: '#2563eb', tension: 0.2 }] },
                    options: { scales: { y: { beginAtZero: true, ticks: { precision: 0 } } } }
                });
            }
            chart.data.labels = h.chart.labels;
            chart.data.datasets[0].data = h.chart.counts;
            chart.update();
        }

        async function refreshHistory() {
            const res = await fetch('/api/history');
            renderHistory(await res.json());
        }

        $('btn-camera').addEventListener('click', () => call('/api/source/camera').then(renderStatus).catch(() => {}));

        $('file-input').addEventListener('change', (ev) => {
            const file = ev.target.files[0];
            if (!file) return;
            const form = new FormData();
            form.append('file', file);
            call('/api/source/upload', { body: form }).then(renderStatus).catch(() => {});
            ev.target.value = '';
        });

        $('btn-toggle').addEventListener('click', () => {
            call('/api/detection/toggle').then((res) => {
                renderStatus(res.status);
                if (res.entry) refreshHistory();
            }).catch(() => {});
        });

        $('btn-reset').addEventListener('click', () => call('/api/reset').then(renderStatus).catch(() => {}));

        const statusSource = new EventSource('/api/status/stream');
        statusSource.onmessage = (ev) => renderStatus(JSON.parse(ev.data));

        const detectionSource = new EventSource('/api/detections/stream');
        detectionSource.onmessage = (ev) => {
            const d = JSON.parse(ev.data);
            $('count').textContent = d.count;
            $('latency').textContent = 'Last pass: ' + d.latency_ms.toFixed(1) + ' ms, ' + d.detections.length + ' object(s)';
        };

        refreshHistory();
    </script>
</body>
</html>
`
